package outbox

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Key categories and phases used by the publisher.
const (
	CategoryDefinition = "definition"
	CategoryInstance   = "instance"
	CategoryTask       = "task"

	PhasePublished = "published"
	PhaseStarted   = "started"
	PhaseCompleted = "completed"
	PhaseCreated   = "created"
	PhaseAssigned  = "assigned"
)

// keyNamespace must never change: existing rows were keyed with it.
var keyNamespace = uuid.MustParse("6f1c0d9e-3b7a-5e42-9d61-0a4c8e2f7b13")

// IdempotencyKey derives a stable key from the logical identity of an event.
// Text fields are trimmed, NFC-normalized and case-folded, so "Straße" and
// "STRASSE" or composed and decomposed accents produce the same key. The
// optional version is rendered as v<n>. Each part is written as
// <byte length>:<text>, so no choice of field contents can make two
// identities encode to the same string, and the result is hashed into a
// name-based UUID.
func IdempotencyKey(tenantID, category, entityID, phase string, version ...int) string {
	parts := []string{normalizeKeyPart(tenantID), normalizeKeyPart(category), normalizeKeyPart(entityID), normalizeKeyPart(phase)}

	if len(version) > 0 {
		parts = append(parts, "v"+strconv.Itoa(version[0]))
	}

	var encoded strings.Builder

	for _, part := range parts {
		encoded.WriteString(strconv.Itoa(len(part)))
		encoded.WriteByte(':')
		encoded.WriteString(part)
	}

	return uuid.NewSHA1(keyNamespace, []byte(encoded.String())).String()
}

// DefinitionPublishedKey keys the publication of one definition version.
func DefinitionPublishedKey(tenantID, definitionID string, version int) string {
	return IdempotencyKey(tenantID, CategoryDefinition, definitionID, PhasePublished, version)
}

// InstancePhaseKey keys an instance lifecycle phase under a definition version.
func InstancePhaseKey(tenantID, instanceID, phase string, definitionVersion int) string {
	return IdempotencyKey(tenantID, CategoryInstance, instanceID, phase, definitionVersion)
}

// TaskPhaseKey keys a task lifecycle phase under a definition version.
func TaskPhaseKey(tenantID, taskID, phase string, definitionVersion int) string {
	return IdempotencyKey(tenantID, CategoryTask, taskID, phase, definitionVersion)
}

// cases.Caser is stateful, so each call gets its own.
func normalizeKeyPart(part string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(part)))
}
