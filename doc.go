// Package loom provides an embedded multi-model knowledge database for Go.
//
// Loom stores a personal knowledge graph (chats, messages, summaries,
// entities, pages and more) together with the edges between them and one
// embedding per node. Three indexes cover each record: a structural field
// index, a graph adjacency index and an HNSW vector index. A background
// weaver keeps derived data in step with every write: it embeds new content,
// extracts and links entities, summarizes long chats and connects
// semantically similar nodes.
//
// # Quick Start
//
//	db, _ := loom.Open("./data")
//	defer db.Close()
//
//	chat := &model.Chat{ID: model.NewNodeID(model.KindChat), Title: "Trip"}
//	_ = db.InsertNode(ctx, chat)
//	msg := &model.Message{ID: model.NewNodeID(model.KindMessage), ChatID: chat.ID, Content: "Alice and Bob went to Paris."}
//	_ = db.InsertNode(ctx, msg)
//
// # Converged Queries
//
// A query narrows candidates with structural and graph filters, then ranks
// them by vector similarity:
//
//	vec, _ := db.Embed(ctx, "travel plans")
//	results, _ := db.Query(ctx, query.ConvergedQuery{
//	    StructuralFilters: []query.StructuralFilter{structural.Eq(model.FieldNodeType, "Message")},
//	    SemanticFilter:    &query.SemanticFilter{Vector: vec, TopK: 10},
//	})
//
// # Background Work
//
// Enrichment runs on a scheduler that follows user activity. Call
// RecordActivity on every user interaction: normal work continues while the
// user is active, low priority and batch work waits until the user goes idle.
//
// # Storage
//
// Records live in partitions (conversations, knowledge, summaries, ...) with
// temperature tiers (active, recent, archive, ...), each backed by its own
// storage engine. Two engines are available: the log-structured logstore and
// the bbolt based boltstore. Both satisfy the same kv.Engine contract.
//
// # Backups
//
// Backup dumps every partition to a blobstore.Store (local directory, MinIO
// or S3); Restore loads a backup set into a fresh directory:
//
//	store, _ := s3.New(ctx, "my-bucket", func(o *s3.Options) { o.Prefix = "loom/" })
//	db, _ := loom.Open(dir, func(o *loom.Options) { o.BackupStore = store })
//	report, _ := db.Backup(ctx)
//	_, _ = loom.Restore(ctx, store, report.Set, otherDir)
package loom
