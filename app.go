// Service wiring shared by the server entrypoint and the end-to-end
// tests. buildServices constructs the full pipeline from a loaded
// configuration: corpus store, vector store, embedding and LLM clients,
// index, query engine, chat and pending managers, auth, and the HTTP
// facade.
package main

import (
	"database/sql"
	"time"

	"answerdesk/internal/auth"
	"answerdesk/internal/chat"
	"answerdesk/internal/chunker"
	"answerdesk/internal/config"
	"answerdesk/internal/corpus"
	"answerdesk/internal/embedding"
	"answerdesk/internal/handler"
	"answerdesk/internal/index"
	"answerdesk/internal/llm"
	"answerdesk/internal/pending"
	"answerdesk/internal/query"
	"answerdesk/internal/vectorstore"
)

// services bundles everything main needs after wiring.
type services struct {
	app      *handler.App
	corpus   *corpus.Store
	index    *index.Service
	llm      llm.Service
	sessions *auth.SessionManager
	chat     *chat.Manager
}

// buildServices assembles the service graph from the loaded configuration.
// The caller owns the database handle.
func buildServices(cm *config.ConfigManager, database *sql.DB) (*services, error) {
	cfg := cm.Get()

	cs := corpus.NewStore(cfg.Index.CorpusPath)
	if err := cs.EnsureFile(); err != nil {
		return nil, err
	}

	vs := vectorstore.NewStore()
	ck := &chunker.TextChunker{ChunkSize: cfg.Index.ChunkSize, Overlap: cfg.Index.ChunkOverlap}

	es := embedding.NewCachedService(
		embedding.NewAPIService(cfg.Embedding.Endpoint, cfg.Embedding.APIKey, cfg.Embedding.ModelName, cfg.Embedding.Dimensions),
		0, 0,
	)
	ls := llm.NewAPIService(cfg.LLM.Endpoint, cfg.LLM.APIKey, cfg.LLM.ModelName, cfg.LLM.Temperature, cfg.LLM.MaxTokens)

	idx := index.NewService(cs, vs, es, ck, index.Paths{
		Cache:        cfg.Index.CachePath,
		Ledger:       cfg.Index.LedgerPath,
		CorpusDigest: cfg.Index.CorpusDigestPath,
	}, cfg.Index.MaxK)

	pm := pending.NewManager(database, cs, ls, idx)
	qe := query.NewEngine(idx, ls, pm, cfg.Index.DefaultK, cfg.Index.MinSimilarity)

	chatTTL := time.Duration(cfg.Chat.SessionTTLHours) * time.Hour
	chatMgr := chat.NewManager(database, cfg.Chat.HistoryPairs, chatTTL)

	sm := auth.NewSessionManager(database, 24*time.Hour)
	oc := auth.NewOAuthClient(cfg.OAuth.Providers)

	app := handler.NewApp(database, cm, cs, idx, qe, chatMgr, pm, sm, oc, ls)

	return &services{
		app:      app,
		corpus:   cs,
		index:    idx,
		llm:      ls,
		sessions: sm,
		chat:     chatMgr,
	}, nil
}
