package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gewnthar/aplsync/config"
)

var sample = Alert{
	Severity:   SeverityCritical,
	State:      "FL",
	DataSource: "fis",
	Kind:       "consecutive_failures",
	Message:    "3 consecutive sync failures",
	At:         time.Date(2025, 10, 14, 6, 0, 0, 0, time.UTC),
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookNotifier(srv.URL, nil).Notify(context.Background(), sample))
	assert.Equal(t, "[APL critical] FL/fis: consecutive_failures\n3 consecutive sync failures", got["text"])
	assert.Equal(t, "FL", got["state"])
	assert.Equal(t, "consecutive_failures", got["kind"])
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such channel", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, nil).Notify(context.Background(), sample)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404: no such channel")
}

type fakeSES struct {
	in  *sesv2.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	return &sesv2.SendEmailOutput{MessageId: aws.String("m-1")}, f.err
}

func TestSESNotifier(t *testing.T) {
	fake := &fakeSES{}
	n := &SESNotifier{client: fake, from: "apl@example.org", to: []string{"ops@example.org"}}
	require.NoError(t, n.Notify(context.Background(), sample))

	require.NotNil(t, fake.in)
	assert.Equal(t, "apl@example.org", aws.ToString(fake.in.FromEmailAddress))
	assert.Equal(t, []string{"ops@example.org"}, fake.in.Destination.ToAddresses)
	assert.Equal(t, sample.Subject(), aws.ToString(fake.in.Content.Simple.Subject.Data))
	assert.Contains(t, aws.ToString(fake.in.Content.Simple.Body.Text.Data), "State: FL")

	fake.err = errors.New("throttled")
	assert.ErrorContains(t, n.Notify(context.Background(), sample), "throttled")
}

type failing struct{ err error }

func (f failing) Notify(context.Context, Alert) error { return f.err }

func TestMulti(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := Multi{NewLogNotifier(zap.New(core)), failing{errors.New("webhook down")}, failing{errors.New("ses down")}}

	err := m.Notify(context.Background(), sample)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook down")
	assert.Contains(t, err.Error(), "ses down")

	require.Equal(t, 1, logs.Len(), "log sink still ran")
	entry := logs.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, "FL", entry.ContextMap()["state"])
}

func TestFromConfig(t *testing.T) {
	n, err := FromConfig(context.Background(), config.AlertsConfig{WebhookURL: "http://hooks.example.org/x"}, zap.NewNop())
	require.NoError(t, err)
	multi, ok := n.(Multi)
	require.True(t, ok)
	assert.Len(t, multi, 2)
}
