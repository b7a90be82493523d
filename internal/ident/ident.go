// Package ident derives the deterministic identifiers used across the
// metadata store and the vector indexes. All ids are UUIDv5 under a fixed
// process-wide namespace so that re-running an ingest for the same task
// produces the same document and segment ids.
package ident

import (
	"fmt"

	"github.com/google/uuid"
)

// Namespace is the fixed namespace for all derived ids. Changing it breaks
// interoperability with existing indexes.
var Namespace = uuid.MustParse("5fdfe40a-de2c-11ed-bfa7-00155deae876")

// DocumentUUID returns the uuid for the document created by the given task.
func DocumentUUID(taskID int64) string {
	return uuid.NewSHA1(Namespace, []byte(fmt.Sprintf("%d", taskID))).String()
}

// SegmentUUID returns the uuid for one embedded segment of a document.
func SegmentUUID(documentUUID string, segment int) string {
	return uuid.NewSHA1(Namespace, []byte(fmt.Sprintf("%s-%d", documentUUID, segment))).String()
}
