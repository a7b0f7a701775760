package external

import (
	"context"
	"net/url"

	"github.com/certchain-labs/certchain-api/util"
)

const notifierSendPath = "/notifications/send"

// NotifierAPIClient delivers templated notices through the external
// notification service. Callers treat delivery as best-effort.
type NotifierAPIClient struct {
	url string
}

func NewNotifierAPIClient(url string) *NotifierAPIClient {
	return &NotifierAPIClient{url: url}
}

func (c *NotifierAPIClient) Send(ctx context.Context, to, template string, data map[string]string) error {
	u, err := url.JoinPath(c.url, notifierSendPath)
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"to":       to,
		"template": template,
		"data":     data,
	}
	_, err = util.HTTPPostJSON(u, payload, 64*1024)
	return err
}

func (c *NotifierAPIClient) Close() error {
	return nil
}
