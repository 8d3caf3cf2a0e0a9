// Package fingerprint computes the content digests that drive incremental
// reconciliation: a per-record digest of each QA record's canonical form and
// a whole-file digest of the raw corpus bytes used as a fast-path
// short-circuit. MD5 is used purely for change detection; nothing here makes
// a security claim.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"

	"answerdesk/internal/corpus"
)

// Record returns the 128-bit lowercase hex digest of a record's canonical
// form: question, answer, category, audience and the keywords sorted
// lexicographically and joined by comma, in that fixed order. The digest is
// insensitive to keyword ordering and sensitive to any edit of the fields
// above.
func Record(r corpus.Record) string {
	keywords := make([]string, len(r.Keywords))
	copy(keywords, r.Keywords)
	sort.Strings(keywords)

	canonical := strings.Join([]string{
		r.Question,
		r.Answer,
		r.Category,
		r.Audience,
		strings.Join(keywords, ","),
	}, "|")

	sum := md5.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Records returns the digest of every record keyed by its positional index
// rendered as a decimal string, matching the ledger's on-disk key format.
func Records(records []corpus.Record) map[string]string {
	digests := make(map[string]string, len(records))
	for i, r := range records {
		digests[indexKey(i)] = Record(r)
	}
	return digests
}

// Corpus returns the 128-bit lowercase hex digest of the raw corpus file
// bytes as stored on disk.
func Corpus(raw []byte) string {
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])
}
