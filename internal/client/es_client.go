package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"marketplace-identity/internal/config"
	"marketplace-identity/internal/util"
)

type ESClient struct {
	Client *elasticsearch.Client
}

func NewElasticsearchClient(cfg config.ElasticConfig, skipVerify bool) (*ESClient, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: skipVerify}, // dev clusters use self-signed certs
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	util.Info("Elasticsearch client initialized", zap.Strings("addresses", cfg.Addresses))
	return &ESClient{Client: client}, nil
}

func (e *ESClient) HealthCheck(ctx context.Context) error {
	res, err := e.Client.Info(e.Client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to get cluster info: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

// IndexDocument upserts document under id.
func (e *ESClient) IndexDocument(ctx context.Context, index, id string, document interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(document); err != nil {
		return fmt.Errorf("error encoding document: %w", err)
	}

	res, err := e.Client.Index(
		index,
		&buf,
		e.Client.Index.WithContext(ctx),
		e.Client.Index.WithDocumentID(id),
	)
	if err != nil {
		return fmt.Errorf("error indexing document: %w", err)
	}
	return checkResponse(res)
}

func checkResponse(res *esapi.Response) error {
	defer res.Body.Close()
	if !res.IsError() {
		return nil
	}

	var body struct {
		Error struct {
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return fmt.Errorf("elasticsearch error: %s", res.Status())
	}
	return fmt.Errorf("elasticsearch error: [%s] %s", res.Status(), body.Error.Reason)
}
