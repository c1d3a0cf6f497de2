package presence

import (
	"github.com/jgirmay/presenced/pkg/models"
)

// PriorityTable maps each source kind to the weight its signals carry.
// Adding a source kind is an edit to this table, nothing else.
type PriorityTable map[models.SourceKind]int

// DefaultPriorityTable encodes manual override > calendar busy > meeting >
// platform sync > automatic activity detection.
var DefaultPriorityTable = PriorityTable{
	models.SourceManual:       100,
	models.SourceCalendar:     80,
	models.SourceMeeting:      70,
	models.SourcePlatformSync: 60,
	models.SourceActivity:     10,
}

// Weight returns the weight of a source kind and whether it is known
func (t PriorityTable) Weight(kind models.SourceKind) (int, bool) {
	w, ok := t[kind]
	return w, ok
}
