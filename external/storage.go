package external

import (
	"encoding/base64"
	"encoding/json"
	"net/url"

	"github.com/certchain-labs/certchain-api/util"
)

const (
	storageFilePath     = "/store/file"
	storageMetadataPath = "/store/metadata"
)

// StorageAPIClient uploads content to the external content-addressed store.
// Issuance requires a content reference up front, so both calls must succeed
// before any ledger write happens.
type StorageAPIClient struct {
	url string
}

type storageUploadResponse struct {
	Ref string `json:"ref"`
}

func NewStorageAPIClient(url string) *StorageAPIClient {
	return &StorageAPIClient{url: url}
}

// Store uploads a raw file and returns its content reference.
func (c *StorageAPIClient) Store(name string, content []byte) (string, error) {
	u, err := url.JoinPath(c.url, storageFilePath)
	if err != nil {
		return "", err
	}

	payload := map[string]string{
		"name":    name,
		"content": base64.StdEncoding.EncodeToString(content),
	}
	// Limit the response size to 1MB; the store returns a short reference.
	body, err := util.HTTPPostJSON(u, payload, 1024*1024)
	if err != nil {
		return "", err
	}

	var resp storageUploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	return resp.Ref, nil
}

// StoreMetadata uploads a JSON document and returns its content reference.
func (c *StorageAPIClient) StoreMetadata(v interface{}) (string, error) {
	u, err := url.JoinPath(c.url, storageMetadataPath)
	if err != nil {
		return "", err
	}

	body, err := util.HTTPPostJSON(u, v, 1024*1024)
	if err != nil {
		return "", err
	}

	var resp storageUploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	return resp.Ref, nil
}

func (c *StorageAPIClient) Close() error {
	return nil
}
