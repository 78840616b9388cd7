// Package streamdex embeds a streaming incremental document index in a Go
// program.
//
// Documents are pushed with Upsert and Delete; each call is diffed against the
// last known state, chunked, embedded and applied to an in-memory index in the
// background. Queries read a consistent snapshot and never wait for ingestion.
//
//	eng, _ := streamdex.New(ctx,
//	    streamdex.WithDimensions(384),
//	    streamdex.WithChunking(200, 20),
//	    streamdex.WithFilterFields("topic"),
//	)
//	defer eng.Close()
//
//	_, _ = eng.Upsert(ctx, streamdex.Document{
//	    ID:       "42",
//	    Text:     "Central bank holds rates steady",
//	    Metadata: map[string]string{"topic": "finance"},
//	})
//	_ = eng.Sync(ctx) // wait until the upsert is queryable
//
//	res, _ := eng.Query(ctx, streamdex.Query{
//	    Text:    "interest rates",
//	    K:       5,
//	    Filters: streamdex.Filters{Must: map[string]string{"topic": "finance"}},
//	})
//
// Without WithEmbedder the engine uses a deterministic offline hashing embedder.
package streamdex
