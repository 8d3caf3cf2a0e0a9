package index

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"answerdesk/internal/corpus"
	"answerdesk/internal/errlog"
	"answerdesk/internal/fingerprint"
	"answerdesk/internal/vectorstore"
)

// reconcileLocked runs one reconciliation pass. Callers hold reconcileMu.
//
// The pass classifies every corpus position against the persisted ledger,
// drops chunks for deleted and re-embedded records, embeds added and changed
// records in ascending order, and persists the cache artifact strictly
// before the ledger. A crash between the two writes leaves the cache ahead
// of the ledger, which the next pass repairs by re-embedding only what the
// ledger does not claim yet; the reverse order could leave the ledger
// claiming vectors the cache never got.
//
// Embedding failures are per-record: the record keeps no ledger entry and is
// retried on the next pass. The whole-corpus digest is written only after a
// pass with zero failures, so a degraded pass can never short-circuit the
// retry.
func (s *Service) reconcileLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()

	if err := s.ensureStoreLoaded(s.embedderRef().Dimensions()); err != nil {
		return err
	}

	records, raw, err := s.corpus.Snapshot()
	if err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}
	curr := fingerprint.Records(records)
	corpusDigest := fingerprint.Corpus(raw)

	prev, prevFound, err := fingerprint.LoadDigests(s.paths.Ledger)
	if err != nil {
		log.Printf("[Index] unreadable ledger, forcing full rebuild: %v", err)
		errlog.Logf("[Index] unreadable ledger, forcing full rebuild: %v", err)
		prev, prevFound = nil, false
	}

	// Fast path: the corpus bytes have not moved since the last fully
	// successful pass and the store still backs what the ledger claims.
	if prevFound && (s.store.Count() > 0 || len(records) == 0) {
		prevDigest, found, err := fingerprint.LoadCorpusDigest(s.paths.CorpusDigest)
		if err == nil && found && prevDigest == corpusDigest {
			log.Printf("[Index] corpus unchanged (%d records), skipping reconciliation", len(records))
			s.markReconciled()
			return nil
		}
	}

	// A ledger claiming records the store cannot back means the cache was
	// lost or dropped. Discard the ledger so every record re-embeds.
	if len(prev) > 0 && s.store.Count() == 0 {
		log.Printf("[Index] ledger claims %d records but no vectors are loaded, forcing full rebuild", len(prev))
		prev, prevFound = nil, false
	}

	var deleted, toEmbed []int
	unchanged, changed := 0, 0
	for key := range prev {
		i, err := fingerprint.ParseIndexKey(key)
		if err != nil {
			log.Printf("[Index] dropping malformed ledger entry %q: %v", key, err)
			continue
		}
		if _, ok := curr[key]; !ok {
			deleted = append(deleted, i)
		}
	}
	for key, digest := range curr {
		i, err := fingerprint.ParseIndexKey(key)
		if err != nil {
			continue
		}
		switch prevDigest, ok := prev[key]; {
		case !ok:
			toEmbed = append(toEmbed, i)
		case prevDigest != digest:
			toEmbed = append(toEmbed, i)
			changed++
		default:
			unchanged++
		}
	}
	sort.Ints(deleted)
	sort.Ints(toEmbed)

	// Deletions first. Records queued for embedding also drop their old
	// chunks so a stale chunk never coexists with its replacement; that
	// covers chunks a crashed pass left in the cache without ledger entries.
	for _, i := range deleted {
		s.store.DeleteByPayloadIndex(i)
	}
	for _, i := range toEmbed {
		s.store.DeleteByPayloadIndex(i)
	}

	// The new ledger carries digests for unchanged records now and gains an
	// entry per successfully embedded record below. Failures stay absent.
	next := make(map[string]string, len(curr))
	for key, digest := range curr {
		if prevDigest, ok := prev[key]; ok && prevDigest == digest {
			next[key] = digest
		}
	}

	failed := 0
	var cancelErr error
	for n, i := range toEmbed {
		if err := ctx.Err(); err != nil {
			cancelErr = err
			failed += len(toEmbed) - n
			log.Printf("[Index] reconciliation canceled with %d records left", len(toEmbed)-n)
			break
		}
		chunks, err := s.embedRecord(ctx, i, records[i])
		if err != nil {
			failed++
			log.Printf("[Index] embedding record %d failed, retrying next pass: %v", i, err)
			errlog.Logf("[Index] embedding record %d failed: %v", i, err)
			continue
		}
		if _, err := s.store.Insert(chunks); err != nil {
			failed++
			log.Printf("[Index] storing record %d failed, retrying next pass: %v", i, err)
			errlog.Logf("[Index] storing record %d failed: %v", i, err)
			continue
		}
		key := strconv.Itoa(i)
		next[key] = curr[key]
	}

	// Cache first, ledger second. Both rewrites are atomic on their own; the
	// ordering is what keeps a crash recoverable.
	dirty := len(deleted) > 0 || len(toEmbed) > 0
	if dirty || !prevFound {
		if err := s.store.SaveToFile(s.paths.Cache); err != nil {
			return fmt.Errorf("persist vector cache: %w", err)
		}
		if err := fingerprint.SaveDigests(s.paths.Ledger, next); err != nil {
			return fmt.Errorf("persist ledger: %w", err)
		}
	}
	if failed == 0 {
		if err := fingerprint.SaveCorpusDigest(s.paths.CorpusDigest, corpusDigest); err != nil {
			return fmt.Errorf("persist corpus digest: %w", err)
		}
	} else if err := fingerprint.RemoveCorpusDigest(s.paths.CorpusDigest); err != nil {
		log.Printf("[Index] %v", err)
	}
	if cancelErr != nil {
		return cancelErr
	}

	s.markReconciled()
	log.Printf("[Index] reconciled %d records in %v: %d added, %d changed, %d deleted, %d unchanged, %d failed (%d chunks in store)",
		len(records), time.Since(start).Round(time.Millisecond),
		len(toEmbed)-changed, changed, len(deleted), unchanged, failed, s.store.Count())
	return nil
}

// ensureStoreLoaded hydrates the store from the cache artifact once per
// process and declares the embedder's dimensionality on every pass. A
// corrupt cache is dropped with a warning and rebuilt; so are cached vectors
// whose dimensionality disagrees with the current embedder.
func (s *Service) ensureStoreLoaded(dimensions int) error {
	if !s.cacheLoaded {
		s.cacheLoaded = true
		if found, err := s.store.LoadFromFile(s.paths.Cache); err != nil {
			log.Printf("[Index] vector cache unusable, rebuilding: %v", err)
			errlog.Logf("[Index] vector cache unusable, rebuilding: %v", err)
		} else if found {
			log.Printf("[Index] loaded %d cached vectors from %s", s.store.Count(), s.paths.Cache)
		}
	}

	err := s.store.Init(dimensions)
	if err == nil {
		return nil
	}
	var dimErr *vectorstore.DimensionError
	if !errors.As(err, &dimErr) {
		return fmt.Errorf("init vector store: %w", err)
	}
	log.Printf("[Index] cached vectors are %d-dimensional but the embedder produces %d, dropping them", dimErr.Got, dimErr.Want)
	errlog.Logf("[Index] dropping %d-dimensional cached vectors, embedder produces %d", dimErr.Got, dimErr.Want)
	s.store.Reset()
	if err := s.store.Init(dimensions); err != nil {
		return fmt.Errorf("init vector store: %w", err)
	}
	return nil
}

// embedRecord builds the searchable text for one record, splits it and
// embeds every piece. Either every chunk of the record embeds or none is
// inserted, so a record is never half-present in the store.
func (s *Service) embedRecord(ctx context.Context, payloadIndex int, rec corpus.Record) ([]vectorstore.Chunk, error) {
	emb := s.embedderRef()
	pieces := s.chunker.Split(SearchableText(rec), payloadIndex)
	if len(pieces) == 0 {
		return nil, fmt.Errorf("record %d has no searchable text", payloadIndex)
	}
	chunks := make([]vectorstore.Chunk, 0, len(pieces))
	for _, p := range pieces {
		vec, err := emb.Embed(ctx, p.Text)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, vectorstore.Chunk{
			PayloadIndex: p.PayloadIndex,
			ChunkIndex:   p.Index,
			Text:         p.Text,
			Vector:       vec,
		})
	}
	return chunks, nil
}
