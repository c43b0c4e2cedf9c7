package analyzer

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/lisanmuaddib/insights-go/pkg/db/models"
)

// promptVersion is folded into the thread hash so a prompt change
// invalidates cached analyses without a migration.
const promptVersion = "v1"

// NormalizeText collapses all whitespace runs to single spaces and trims.
// Idempotent: normalizing twice yields the same string.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ThreadHash returns the content address of a thread: SHA-256 over the
// canonical rendering, one "{author_id}\t{text}\n" line per tweet in load
// order, author lowercased and text whitespace-collapsed. Only (author,
// text) tuples contribute; ids and timestamps do not.
func ThreadHash(tweets []models.Tweet) string {
	h := sha256.New()
	h.Write([]byte(promptVersion))
	h.Write([]byte{'\n'})
	for _, t := range tweets {
		h.Write([]byte(strings.ToLower(t.AuthorID)))
		h.Write([]byte{'\t'})
		h.Write([]byte(NormalizeText(t.Text)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
