package weaver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/hupe1980/loom/index/structural"
	"github.com/hupe1980/loom/ml"
	"github.com/hupe1980/loom/model"
	"github.com/hupe1980/loom/scheduler"
)

// mlError marks failures that retrying cannot fix right now.
func mlError(op string, err error) error {
	err = fmt.Errorf("weaver: %s: %w", op, err)
	if errors.Is(err, ml.ErrUnavailable) {
		return scheduler.Permanent(err)
	}
	return err
}

// target loads the node a task works on. A missing node yields nil without error.
func (w *Weaver) target(ctx context.Context, t *scheduler.Task) (model.Node, error) {
	n, err := w.store.GetNode(ctx, t.Target)
	if model.IsNotFound(err) {
		w.logger.DebugContext(ctx, "task target gone", "kind", t.Kind, "target", t.Target)
		return nil, nil
	}
	return n, err
}

// SourceHash identifies the text an embedding was computed from.
func SourceHash(modelName, text string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(modelName)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(text)
	return h.Sum64()
}

func (w *Weaver) generateEmbedding(ctx context.Context, t *scheduler.Task) error {
	// Concurrent tasks for one node collapse into a single model call.
	_, err, _ := w.embeddings.Do(string(t.Target), func() (any, error) {
		return nil, w.embed(ctx, t)
	})
	return err
}

func (w *Weaver) embed(ctx context.Context, t *scheduler.Task) error {
	n, err := w.target(ctx, t)
	if n == nil || err != nil {
		return err
	}
	node, ok := n.(model.Embeddable)
	if !ok {
		return nil
	}
	text := strings.TrimSpace(node.Text())
	if text == "" {
		return nil
	}

	hash := SourceHash(w.ml.ModelName(), text)
	current, err := w.store.EmbeddingForNode(ctx, node.NodeID())
	switch {
	case err == nil && current.SourceHash == hash:
		return w.setEmbeddingRef(ctx, node.NodeID(), current.ID)
	case err != nil && !model.IsNotFound(err):
		return err
	}

	vec, err := w.ml.GenerateEmbedding(ctx, text)
	if err != nil {
		return mlError("generate embedding", err)
	}

	emb := &model.Embedding{
		NodeID:     node.NodeID(),
		Model:      w.ml.ModelName(),
		Vector:     vec,
		SourceHash: hash,
	}
	if _, err := w.store.UpsertEmbedding(ctx, emb); err != nil {
		switch {
		case model.IsNotFound(err):
			return nil
		case errors.Is(err, model.ErrInvalidOperation):
			// A vector the index rejects will be rejected again.
			return scheduler.Permanent(err)
		}
		return err
	}
	return w.setEmbeddingRef(ctx, node.NodeID(), emb.ID)
}

func (w *Weaver) setEmbeddingRef(ctx context.Context, id model.NodeID, embID model.EmbeddingID) error {
	_, err := w.store.SetEmbeddingRef(ctx, id, embID)
	if model.IsNotFound(err) {
		return nil
	}
	return err
}

func (w *Weaver) extractEntities(ctx context.Context, t *scheduler.Task) error {
	n, err := w.target(ctx, t)
	if n == nil || err != nil {
		return err
	}
	text := model.TextOf(n)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	ents, err := w.ml.ExtractEntities(ctx, text)
	if err != nil {
		return mlError("extract entities", err)
	}
	return w.link(ctx, n.NodeID(), ents)
}

func (w *Weaver) linkEntities(ctx context.Context, t *scheduler.Task) error {
	ents, ok := t.Payload.([]ml.Entity)
	if !ok {
		return scheduler.Permanent(fmt.Errorf("weaver: link entities: payload is %T", t.Payload))
	}
	n, err := w.target(ctx, t)
	if n == nil || err != nil {
		return err
	}
	return w.link(ctx, n.NodeID(), ents)
}

// link connects source to one Entity node per distinct (label, type) pair,
// creating the entities that do not exist yet.
func (w *Weaver) link(ctx context.Context, source model.NodeID, ents []ml.Entity) error {
	seen := make(map[entityKey]struct{}, len(ents))
	created := 0
	for _, ent := range ents {
		key := entityKey{label: strings.TrimSpace(ent.Text), typ: ent.Label}
		if key.label == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		entityID, err := w.findOrCreateEntity(ctx, key)
		if err != nil {
			return err
		}
		exists, err := w.store.HasEdge(ctx, source, entityID, model.EdgeMentions)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		err = w.store.InsertEdge(ctx, &model.Edge{
			ID:   model.NewEdgeID(),
			From: source,
			To:   entityID,
			Type: model.EdgeMentions,
		})
		if model.IsNotFound(err) {
			// The source went away while we were working.
			return nil
		}
		if err != nil {
			return err
		}
		created++
	}
	if created > 0 {
		w.logger.DebugContext(ctx, "linked entities", "source", source, "edges", created)
	}
	return nil
}

func (w *Weaver) findOrCreateEntity(ctx context.Context, key entityKey) (model.NodeID, error) {
	w.entityMu.Lock()
	defer w.entityMu.Unlock()

	if id, ok := w.entities[key]; ok {
		if _, err := w.store.GetNode(ctx, id); err == nil {
			return id, nil
		}
		delete(w.entities, key)
	}

	bm, err := w.idx.Filter(
		structural.Eq(model.FieldNodeType, string(model.KindEntity)),
		structural.Eq("label", key.label),
		structural.Eq("entity_type", key.typ),
	)
	if err != nil {
		return "", err
	}
	for _, id := range w.idx.Resolve(bm) {
		n, err := w.store.GetNode(ctx, id)
		if err != nil {
			continue
		}
		if e, ok := n.(*model.Entity); ok && e.Label == key.label && e.EntityType == key.typ {
			w.entities[key] = id
			return id, nil
		}
	}

	ent := &model.Entity{ID: model.NewNodeID(model.KindEntity), Label: key.label, EntityType: key.typ}
	if err := w.store.InsertNode(ctx, ent); err != nil {
		return "", err
	}
	w.entities[key] = ent.ID
	return ent.ID, nil
}

func (w *Weaver) createAssociativeLinks(ctx context.Context, t *scheduler.Task) error {
	emb, err := w.store.EmbeddingForNode(ctx, t.Target)
	if model.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	allow, err := w.idx.Filter(structural.In(model.FieldNodeType,
		string(model.KindMessage), string(model.KindSummary), string(model.KindScrapedPage)))
	if err != nil {
		return err
	}
	hits, err := w.idx.Search(emb.Vector, w.opts.AssociativeK, allow)
	if err != nil {
		return err
	}

	w.linkMu.Lock()
	defer w.linkMu.Unlock()

	created := 0
	for _, hit := range hits {
		if created >= w.opts.MaxAssociativeLinks {
			break
		}
		if hit.ID == t.Target || hit.Similarity < w.opts.AssociativeThreshold {
			continue
		}
		linked, err := w.linked(ctx, t.Target, hit.ID)
		if err != nil {
			return err
		}
		if linked {
			continue
		}
		err = w.store.InsertEdge(ctx, &model.Edge{
			ID:       model.NewEdgeID(),
			From:     t.Target,
			To:       hit.ID,
			Type:     model.EdgeSemanticallyAlike,
			Metadata: model.Metadata{"similarity": float64(hit.Similarity)},
		})
		if model.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		created++
	}
	if created > 0 {
		w.logger.DebugContext(ctx, "created associative links", "node", t.Target, "edges", created)
	}
	return nil
}

func (w *Weaver) linked(ctx context.Context, a, b model.NodeID) (bool, error) {
	ok, err := w.store.HasEdge(ctx, a, b, model.EdgeSemanticallyAlike)
	if err != nil || ok {
		return ok, err
	}
	return w.store.HasEdge(ctx, b, a, model.EdgeSemanticallyAlike)
}

func (w *Weaver) generateSummary(ctx context.Context, t *scheduler.Task) error {
	chat, err := w.target(ctx, t)
	if chat == nil || err != nil {
		return err
	}
	if chat.Kind() != model.KindChat {
		return scheduler.Permanent(model.InvalidOperation("weaver.GenerateSummary", "%s is a %s, not a chat", t.Target, chat.Kind()))
	}

	msgs, err := w.store.MessagesByChat(ctx, t.Target)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if len(msgs) > w.opts.SummaryWindow {
		msgs = msgs[len(msgs)-w.opts.SummaryWindow:]
	}

	texts := make([]string, 0, len(msgs))
	ids := make([]model.NodeID, 0, len(msgs))
	for _, m := range msgs {
		texts = append(texts, m.Content)
		ids = append(ids, m.ID)
	}
	content, err := w.ml.Summarize(ctx, texts)
	if err != nil {
		return mlError("summarize", err)
	}

	sum := &model.Summary{
		ID:         model.NewNodeID(model.KindSummary),
		ChatID:     t.Target,
		CreatedAt:  model.Now(),
		Content:    content,
		MessageIDs: ids,
	}
	if err := w.store.InsertNode(ctx, sum); err != nil {
		return err
	}
	err = w.store.InsertEdge(ctx, &model.Edge{ID: model.NewEdgeID(), From: sum.ID, To: t.Target, Type: model.EdgeSummarizes})
	if !model.IsNotFound(err) {
		return err
	}

	// The chat was deleted while summarizing.
	w.logger.DebugContext(ctx, "discarding summary of deleted chat", "chat", t.Target, "summary", sum.ID)
	if _, err := w.store.DeleteNode(ctx, sum.ID); err != nil && !model.IsNotFound(err) {
		return err
	}
	return nil
}

func (w *Weaver) indexNode(ctx context.Context, t *scheduler.Task) error {
	return w.store.ReindexNode(ctx, t.Target)
}

func (w *Weaver) updateVectorIndex(ctx context.Context, t *scheduler.Task) error {
	return w.store.ReindexEmbedding(ctx, t.Target)
}
