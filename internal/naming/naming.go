// Package naming generates collision-free output file names for detection results.
//
// A name has the form
//
//	<source base>_predicted_<YYYYMMDD_HHMMSS>_<uuid>_<index>.jpg
//
// The timestamp and uuid are drawn once per processing attempt of a source object
// and shared by all of its results; the index is the zero-based result position.
package naming

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the layout of the timestamp component
const TimestampLayout = "20060102_150405"

// OutputExt is the extension of every generated name
const OutputExt = ".jpg"

// Stamp holds the per-attempt components shared by all results of one source object
type Stamp struct {
	Timestamp string
	ID        string
}

// NewStamp draws a fresh stamp at time now
func NewStamp(now time.Time) Stamp {
	return Stamp{
		Timestamp: now.Format(TimestampLayout),
		ID:        uuid.NewString(),
	}
}

// SourceBase strips directories and the extension from a source file name
func SourceBase(name string) string {
	base := filepath.Base(filepath.FromSlash(name))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// OutputName builds the file name for result index of the given source
func OutputName(sourceBase string, stamp Stamp, index int) string {
	return fmt.Sprintf("%s_predicted_%s_%s_%d%s", sourceBase, stamp.Timestamp, stamp.ID, index, OutputExt)
}

// Namer draws stamps from an injectable clock
type Namer struct {
	Now func() time.Time
}

// NewNamer returns a Namer using the wall clock
func NewNamer() *Namer {
	return &Namer{Now: time.Now}
}

// Batch returns a function naming the results of one attempt for sourceName
func (n *Namer) Batch(sourceName string) func(index int) string {
	now := time.Now
	if n != nil && n.Now != nil {
		now = n.Now
	}
	base := SourceBase(sourceName)
	stamp := NewStamp(now())
	return func(index int) string {
		return OutputName(base, stamp, index)
	}
}
