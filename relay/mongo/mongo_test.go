//go:build unit

package mongo

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var errBoom = errors.New("boom")

type fakeDriver struct {
	connectErr    atomic.Value // error
	pingErr       atomic.Value // error
	disconnectErr error
	indexErr      map[string]error

	connects    atomic.Int32
	disconnects atomic.Int32
	indexes     []string
	transacted  atomic.Int32
}

func (f *fakeDriver) driver() driver {
	return driver{
		connect: func(context.Context, *options.ClientOptions) (*mongo.Client, error) {
			f.connects.Add(1)

			if err, _ := f.connectErr.Load().(error); err != nil {
				return nil, err
			}

			return &mongo.Client{}, nil
		},
		ping: func(context.Context, *mongo.Client) error {
			err, _ := f.pingErr.Load().(error)

			return err
		},
		disconnect: func(context.Context, *mongo.Client) error {
			f.disconnects.Add(1)

			return f.disconnectErr
		},
		createIndex: func(_ context.Context, _ *mongo.Client, _, _ string, index mongo.IndexModel) error {
			fields := indexKeys(index.Keys)
			f.indexes = append(f.indexes, fields)

			return f.indexErr[fields]
		},
		transact: func(ctx context.Context, _ *mongo.Client, fn func(context.Context) error) error {
			f.transacted.Add(1)

			return fn(ctx)
		},
	}
}

func withFake(f *fakeDriver) Option {
	return func(c *Client) { c.driver = f.driver() }
}

func testConfig() Config {
	return Config{URI: "mongodb://localhost:27017", Database: "relay"}
}

func newFakeClient(t *testing.T, f *fakeDriver) *Client {
	t.Helper()

	client, err := NewClient(context.Background(), testConfig(), withFake(f))
	require.NoError(t, err)

	return client
}

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	//nolint:staticcheck // nil context is the case under test
	_, err := NewClient(nil, testConfig())
	require.ErrorIs(t, err, ErrNilContext)

	_, err = NewClient(context.Background(), Config{})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "uri is required")
	assert.ErrorContains(t, err, "database is required")

	cfg := testConfig()
	cfg.TLS = &TLSConfig{}
	_, err = NewClient(context.Background(), cfg)
	require.ErrorContains(t, err, "tls ca cert is required")
}

func TestConfig_Normalize(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxPoolSize: 5000, TLS: &TLSConfig{CACertBase64: "x", MinVersion: tls.VersionTLS10}}.normalize()

	assert.Equal(t, uint64(maxPoolSizeLimit), cfg.MaxPoolSize)
	assert.Equal(t, defaultServerSelectionTimeout, cfg.ServerSelectionTimeout)
	assert.Equal(t, defaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.TLS.MinVersion)
	assert.NotNil(t, cfg.Logger)
}

func TestNewClient_ConnectsAndForgetsURI(t *testing.T) {
	t.Parallel()

	f := &fakeDriver{}
	client := newFakeClient(t, f)

	assert.Equal(t, int32(1), f.connects.Load())
	assert.Empty(t, client.cfg.URI)
	assert.Equal(t, "relay", client.DatabaseName())

	got, err := client.Client(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, int32(1), f.connects.Load())
}

func TestNewClient_ConnectFailure(t *testing.T) {
	t.Parallel()

	f := &fakeDriver{}
	f.connectErr.Store(errBoom)

	_, err := NewClient(context.Background(), testConfig(), withFake(f))
	require.ErrorIs(t, err, ErrConnect)
	require.ErrorIs(t, err, errBoom)
}

func TestNewClient_PingFailureDisconnects(t *testing.T) {
	t.Parallel()

	f := &fakeDriver{}
	f.pingErr.Store(errBoom)

	_, err := NewClient(context.Background(), testConfig(), withFake(f))
	require.ErrorIs(t, err, ErrPing)
	assert.Equal(t, int32(1), f.disconnects.Load())
}

func TestClient_ConnectionFailureMetric(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	cfg := testConfig()
	cfg.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	f := &fakeDriver{}
	f.connectErr.Store(errBoom)

	_, err := NewClient(context.Background(), cfg, withFake(f))
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "mongo.connection.failures" {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)

			for _, point := range sum.DataPoints {
				total += point.Value
			}
		}
	}

	assert.Equal(t, int64(1), total)
}

func TestClient_PingAndClose(t *testing.T) {
	t.Parallel()

	f := &fakeDriver{}
	client := newFakeClient(t, f)

	require.NoError(t, client.Ping(context.Background()))

	f.pingErr.Store(errBoom)
	require.ErrorIs(t, client.Ping(context.Background()), ErrPing)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))
	assert.Equal(t, int32(1), f.disconnects.Load())

	require.ErrorIs(t, client.Ping(context.Background()), ErrClientClosed)

	_, err := client.Client(context.Background())
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestClient_CloseReportsDisconnectFailure(t *testing.T) {
	t.Parallel()

	f := &fakeDriver{disconnectErr: errBoom}
	client := newFakeClient(t, f)

	require.ErrorIs(t, client.Close(context.Background()), ErrDisconnect)

	_, err := client.Client(context.Background())
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestClient_ResolveClientReconnects(t *testing.T) {
	t.Parallel()

	f := &fakeDriver{}
	client := newFakeClient(t, f)
	require.NoError(t, client.Close(context.Background()))

	got, err := client.ResolveClient(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Equal(t, int32(2), f.connects.Load())
}

func TestClient_ResolveClientRateLimited(t *testing.T) {
	t.Parallel()

	f := &fakeDriver{}
	client := newFakeClient(t, f)
	require.NoError(t, client.Close(context.Background()))

	f.connectErr.Store(errBoom)

	_, err := client.ResolveClient(context.Background())
	require.ErrorIs(t, err, ErrConnect)

	client.mu.Lock()
	client.lastConnectAttempt = time.Now().Add(time.Hour)
	client.mu.Unlock()

	_, err = client.ResolveClient(context.Background())
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(2), f.connects.Load())
}

func TestClient_WithTransaction(t *testing.T) {
	t.Parallel()

	f := &fakeDriver{}
	client := newFakeClient(t, f)

	calls := 0
	require.NoError(t, client.WithTransaction(context.Background(), func(context.Context) error {
		calls++

		return nil
	}))
	assert.Equal(t, 1, calls)

	err := client.WithTransaction(context.Background(), func(context.Context) error { return errBoom })
	require.ErrorIs(t, err, ErrTransaction)
	require.ErrorIs(t, err, errBoom)

	require.ErrorIs(t, client.WithTransaction(context.Background(), nil), ErrTransaction)
	assert.Equal(t, int32(2), f.transacted.Load())
}

func TestClient_EnsureIndexes(t *testing.T) {
	t.Parallel()

	f := &fakeDriver{indexErr: map[string]error{"lock_id": errBoom}}
	client := newFakeClient(t, f)

	err := client.EnsureIndexes(context.Background(), "outbox",
		mongo.IndexModel{Keys: bson.D{{Key: "status", Value: 1}, {Key: "available_at", Value: 1}}},
		mongo.IndexModel{Keys: bson.D{{Key: "lock_id", Value: 1}}},
		mongo.IndexModel{Keys: bson.M{"occurred_at": 1}},
	)

	require.ErrorIs(t, err, ErrCreateIndex)
	require.ErrorIs(t, err, errBoom)
	assert.ErrorContains(t, err, "outbox(lock_id)")
	assert.Equal(t, []string{"status,available_at", "lock_id", "occurred_at"}, f.indexes)

	require.ErrorIs(t, client.EnsureIndexes(context.Background(), " "), ErrInvalidConfig)
	require.ErrorIs(t, client.EnsureIndexes(context.Background(), "outbox"), ErrInvalidConfig)
}

func TestClient_NilReceiver(t *testing.T) {
	t.Parallel()

	var client *Client

	require.ErrorIs(t, client.Connect(context.Background()), ErrNilClient)
	require.ErrorIs(t, client.Ping(context.Background()), ErrNilClient)
	require.ErrorIs(t, client.Close(context.Background()), ErrNilClient)
	require.ErrorIs(t, client.EnsureIndexes(context.Background(), "outbox"), ErrNilClient)
	require.ErrorIs(t, client.WithTransaction(context.Background(), nil), ErrNilClient)

	_, err := client.ResolveClient(context.Background())
	require.ErrorIs(t, err, ErrNilClient)
	assert.Empty(t, client.DatabaseName())
}

func TestIndexKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "b,a", indexKeys(bson.D{{Key: "b", Value: 1}, {Key: "a", Value: 1}}))
	assert.Equal(t, "a,b", indexKeys(bson.M{"b": 1, "a": 1}))
	assert.Equal(t, "<unknown>", indexKeys("status"))
}

func TestBuildTLSConfig(t *testing.T) {
	t.Parallel()

	caPEM := base64.StdEncoding.EncodeToString(testCertificatePEM(t))

	cfg, err := buildTLSConfig(TLSConfig{CACertBase64: caPEM})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.NotNil(t, cfg.RootCAs)

	cfg, err = buildTLSConfig(TLSConfig{CACertBase64: caPEM, MinVersion: tls.VersionTLS13})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)

	_, err = buildTLSConfig(TLSConfig{CACertBase64: caPEM, MinVersion: tls.VersionTLS11})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = buildTLSConfig(TLSConfig{CACertBase64: "%%%"})
	require.ErrorContains(t, err, "decode ca cert")

	_, err = buildTLSConfig(TLSConfig{CACertBase64: base64.StdEncoding.EncodeToString([]byte("not pem"))})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTLSImplied(t *testing.T) {
	t.Parallel()

	assert.True(t, tlsImplied("mongodb+srv://cluster.example.net"))
	assert.True(t, tlsImplied("mongodb://db:27017/?tls=true"))
	assert.True(t, tlsImplied("mongodb://db:27017/?ssl=true"))
	assert.False(t, tlsImplied("mongodb://db:27017"))
}

func testCertificatePEM(t *testing.T) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "relay-mongo-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
