//go:build unit

package redis

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newStandaloneConfig(addr string) Config {
	return Config{
		Topology: Topology{Standalone: &StandaloneTopology{Address: addr}},
		Logger:   log.NewNop(),
	}
}

func TestClient_NewPingAndClose(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := New(context.Background(), newStandaloneConfig(mr.Addr()))
	require.NoError(t, err)

	require.NoError(t, client.Ping(context.Background()))

	rdb, err := client.GetClient(context.Background())
	require.NoError(t, err)
	require.NoError(t, rdb.Set(context.Background(), "relay:key", "value", 0).Err())
	stored, err := mr.Get("relay:key")
	require.NoError(t, err)
	assert.Equal(t, "value", stored)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	connected, err := client.IsConnected()
	require.NoError(t, err)
	assert.False(t, connected)
}

func TestClient_NewFailsWhenServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := newStandaloneConfig(addr)
	cfg.Options.DialTimeout = 200 * time.Millisecond
	cfg.Options.MaxRetries = -1

	_, err := New(context.Background(), cfg)
	require.ErrorIs(t, err, ErrConnect)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{name: "missing topology", cfg: Config{}, want: []string{"exactly one topology"}},
		{
			name: "two topologies",
			cfg: Config{Topology: Topology{
				Standalone: &StandaloneTopology{Address: "127.0.0.1:6379"},
				Cluster:    &ClusterTopology{Addresses: []string{"127.0.0.1:7000"}},
			}},
			want: []string{"exactly one topology"},
		},
		{
			name: "blank standalone address",
			cfg:  Config{Topology: Topology{Standalone: &StandaloneTopology{Address: " "}}},
			want: []string{"addresses cannot be blank"},
		},
		{
			name: "sentinel without master",
			cfg:  Config{Topology: Topology{Sentinel: &SentinelTopology{Addresses: []string{"127.0.0.1:26379"}}}},
			want: []string{"sentinel master name is required"},
		},
		{
			name: "cluster without addresses",
			cfg:  Config{Topology: Topology{Cluster: &ClusterTopology{}}},
			want: []string{"at least one address"},
		},
		{
			name: "tls without ca and negative db",
			cfg: Config{
				Topology: Topology{Standalone: &StandaloneTopology{Address: "127.0.0.1:6379"}},
				TLS:      &TLSConfig{},
				Options:  ConnectionOptions{DB: -1},
			},
			want: []string{"tls ca cert is required", "db cannot be negative"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			require.ErrorIs(t, err, ErrInvalidConfig)

			for _, want := range tt.want {
				assert.ErrorContains(t, err, want)
			}

			_, err = New(context.Background(), tt.cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestClient_NilReceiverGuards(t *testing.T) {
	var client *Client

	require.ErrorIs(t, client.Connect(context.Background()), ErrNilClient)
	require.ErrorIs(t, client.Close(), ErrNilClient)
	require.ErrorIs(t, client.Ping(context.Background()), ErrNilClient)

	rdb, err := client.GetClient(context.Background())
	require.ErrorIs(t, err, ErrNilClient)
	assert.Nil(t, rdb)

	connected, err := client.IsConnected()
	require.ErrorIs(t, err, ErrNilClient)
	assert.False(t, connected)
}

func TestClient_ConnectSwapsAndClosesPrevious(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := New(context.Background(), newStandaloneConfig(mr.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	first, err := client.GetClient(context.Background())
	require.NoError(t, err)

	require.NoError(t, client.Connect(context.Background()))

	second, err := client.GetClient(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	assert.Error(t, first.Ping(context.Background()).Err())
}

func TestClient_FailedConnectKeepsClient(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := newStandaloneConfig(mr.Addr())
	cfg.Options.DialTimeout = 200 * time.Millisecond

	client, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	before, err := client.GetClient(context.Background())
	require.NoError(t, err)

	mr.Close()

	require.ErrorIs(t, client.Connect(context.Background()), ErrConnect)

	connected, err := client.IsConnected()
	require.NoError(t, err)
	assert.True(t, connected)

	after, err := client.GetClient(context.Background())
	require.NoError(t, err)
	assert.Same(t, before, after)
}

func TestClient_GetClientRedialsAfterClose(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := New(context.Background(), newStandaloneConfig(mr.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Close())

	rdb, err := client.GetClient(context.Background())
	require.NoError(t, err)
	require.NoError(t, rdb.Ping(context.Background()).Err())
}

func TestClient_GetClientRateLimitsRedial(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := New(context.Background(), newStandaloneConfig(mr.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Close())

	client.mu.Lock()
	client.redialAttempts = 3
	client.lastRedial = time.Now().Add(time.Hour)
	client.mu.Unlock()

	_, err = client.GetClient(context.Background())
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestClient_ConnectionFailureMetric(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	mr := miniredis.RunT(t)

	cfg := newStandaloneConfig(mr.Addr())
	cfg.MeterProvider = provider
	cfg.Options.DialTimeout = 200 * time.Millisecond

	client, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	mr.Close()
	require.Error(t, client.Connect(context.Background()))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	byOperation := map[string]int64{}

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "redis.connection.failures" {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)

			for _, point := range sum.DataPoints {
				operation, _ := point.Attributes.Value("operation")
				byOperation[operation.AsString()] += point.Value
			}
		}
	}

	assert.Equal(t, map[string]int64{"connect": 1}, byOperation)
}

func TestConfig_UniversalOptions(t *testing.T) {
	t.Run("sentinel", func(t *testing.T) {
		opts, err := Config{Topology: Topology{Sentinel: &SentinelTopology{
			Addresses:  []string{"10.0.0.1:26379"},
			MasterName: "primary",
		}}}.normalize().universalOptions()
		require.NoError(t, err)
		assert.Equal(t, []string{"10.0.0.1:26379"}, opts.Addrs)
		assert.Equal(t, "primary", opts.MasterName)
	})

	t.Run("cluster with password and db", func(t *testing.T) {
		opts, err := Config{
			Topology: Topology{Cluster: &ClusterTopology{Addresses: []string{"10.0.0.1:7000", "10.0.0.2:7000"}}},
			Auth:     Auth{StaticPassword: &StaticPasswordAuth{Password: "secret"}},
			Options:  ConnectionOptions{DB: 2},
		}.normalize().universalOptions()
		require.NoError(t, err)
		assert.Len(t, opts.Addrs, 2)
		assert.Equal(t, "secret", opts.Password)
		assert.Equal(t, 2, opts.DB)
	})

	t.Run("tls", func(t *testing.T) {
		opts, err := Config{
			Topology: Topology{Standalone: &StandaloneTopology{Address: "10.0.0.1:6379"}},
			TLS:      &TLSConfig{CACertBase64: base64.StdEncoding.EncodeToString(generateTestCertificatePEM(t))},
		}.normalize().universalOptions()
		require.NoError(t, err)
		require.NotNil(t, opts.TLSConfig)
		assert.Equal(t, uint16(tls.VersionTLS12), opts.TLSConfig.MinVersion)
	})

	t.Run("broken ca", func(t *testing.T) {
		_, err := Config{
			Topology: Topology{Standalone: &StandaloneTopology{Address: "10.0.0.1:6379"}},
			TLS:      &TLSConfig{CACertBase64: "not-base64!"},
		}.universalOptions()
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("zero config", func(t *testing.T) {
		_, err := Config{}.universalOptions()
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestBuildTLSConfig(t *testing.T) {
	_, err := buildTLSConfig(TLSConfig{CACertBase64: base64.StdEncoding.EncodeToString([]byte("not-a-pem"))})
	require.Error(t, err)

	cfg, err := buildTLSConfig(TLSConfig{
		CACertBase64: base64.StdEncoding.EncodeToString(generateTestCertificatePEM(t)),
		MinVersion:   tls.VersionTLS13,
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
}

func TestConfig_Normalize(t *testing.T) {
	cfg := Config{
		Options: ConnectionOptions{PoolSize: 5000, MaxRetries: 7},
		TLS:     &TLSConfig{MinVersion: tls.VersionTLS10},
	}

	normalized := cfg.normalize()

	assert.Equal(t, maxPoolSize, normalized.Options.PoolSize)
	assert.Equal(t, 7, normalized.Options.MaxRetries)
	assert.Equal(t, defaultIOTimeout, normalized.Options.ReadTimeout)
	assert.Equal(t, defaultDialTimeout, normalized.Options.DialTimeout)
	assert.Equal(t, uint16(tls.VersionTLS12), normalized.TLS.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS10), cfg.TLS.MinVersion)
	assert.NotNil(t, normalized.Logger)

	assert.Equal(t, defaultPoolSize, Config{}.normalize().Options.PoolSize)
	assert.Equal(t, defaultMaxRetries, Config{}.normalize().Options.MaxRetries)
}

func TestStaticPasswordAuth_Redacted(t *testing.T) {
	auth := StaticPasswordAuth{Password: "secret"}

	assert.NotContains(t, auth.String(), "secret")
	assert.NotContains(t, auth.GoString(), "secret")
}

func generateTestCertificatePEM(t *testing.T) []byte {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "relay-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
}
