package elasticsearch

import (
	"context"

	"security-engine/internal/audit"
)

// DocumentStore is the subset of the Elasticsearch client the index uses.
type DocumentStore interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
	Search(ctx context.Context, index string, query map[string]interface{}, target interface{}) error
}

// AuditIndex mirrors audit logs into an Elasticsearch index for free-text
// search.
type AuditIndex struct {
	es    DocumentStore
	index string
}

func NewAuditIndex(es DocumentStore, index string) *AuditIndex {
	return &AuditIndex{es: es, index: index}
}

func (a *AuditIndex) IndexLog(ctx context.Context, l *audit.Log) error {
	return a.es.IndexDocument(ctx, a.index, l.ID, l)
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source audit.Log `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (a *AuditIndex) Search(ctx context.Context, query string, limit int) ([]*audit.Log, error) {
	if limit <= 0 {
		limit = audit.DefaultPageSize
	}
	body := map[string]interface{}{
		"size": limit,
		"sort": []interface{}{
			map[string]interface{}{"timestamp": map[string]string{"order": "desc"}},
		},
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"actor", "action", "resource_type", "resource_id", "request.ip_address"},
			},
		},
	}

	var res searchResponse
	if err := a.es.Search(ctx, a.index, body, &res); err != nil {
		return nil, err
	}
	out := make([]*audit.Log, 0, len(res.Hits.Hits))
	for i := range res.Hits.Hits {
		out = append(out, &res.Hits.Hits[i].Source)
	}
	return out, nil
}
