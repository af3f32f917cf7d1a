//go:build unit

package redis

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := New(context.Background(), Config{Address: mr.Addr()})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestNew_ConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		msg  string
	}{
		{name: "no address", cfg: Config{}, msg: "at least one address is required"},
		{name: "two topologies", cfg: Config{Address: "a:6379", Addresses: []string{"b:6379"}}, msg: "exactly one topology"},
		{name: "blank cluster address", cfg: Config{Addresses: []string{"a:6379", " "}}, msg: "addresses cannot be empty"},
		{name: "master name without sentinels", cfg: Config{Address: "a:6379", MasterName: "mymaster"}, msg: "sentinel master name"},
		{name: "tls without ca", cfg: Config{Address: "a:6379", TLS: &TLSConfig{}}, msg: "TLS CA cert is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := New(context.Background(), tt.cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestNormalizeConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := normalizeConfig(Config{
		Address: "localhost:6379",
		TLS:     &TLSConfig{CACertBase64: "Zm9v", MinVersion: tls.VersionTLS10},
		Options: ConnectionOptions{PoolSize: 5000},
	})
	require.NoError(t, err)

	assert.NotNil(t, cfg.Logger)
	assert.Equal(t, maxPoolSize, cfg.Options.PoolSize)
	assert.Equal(t, 3*time.Second, cfg.Options.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.Options.DialTimeout)
	assert.Equal(t, 3, cfg.Options.MaxRetries)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.TLS.MinVersion)
}

func TestBuildUniversalOptions(t *testing.T) {
	t.Parallel()

	opts, err := buildUniversalOptions(Config{
		Addresses:  []string{"s1:26379", "s2:26379"},
		MasterName: "mymaster",
		Password:   "secret",
		Options:    ConnectionOptions{DB: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"s1:26379", "s2:26379"}, opts.Addrs)
	assert.Equal(t, "mymaster", opts.MasterName)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)

	_, err = buildUniversalOptions(Config{})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = buildUniversalOptions(Config{Address: "a:1", TLS: &TLSConfig{CACertBase64: "not base64!"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: TLS config")
}

func TestClient_ConnectPingClose(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)

	assert.True(t, client.IsConnected())
	require.NoError(t, client.Ping(context.Background()))

	require.NoError(t, client.Close())
	assert.False(t, client.IsConnected())

	rdb, err := client.GetClient(context.Background())
	require.NoError(t, err)
	require.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())
	assert.True(t, client.IsConnected())
}

func TestClient_ConnectFailure(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Config{
		Address: addr,
		Options: ConnectionOptions{DialTimeout: 100 * time.Millisecond, MaxRetries: -1},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis connect: ping")
}

func TestClient_NilReceiver(t *testing.T) {
	t.Parallel()

	var client *Client

	require.ErrorIs(t, client.Connect(context.Background()), ErrNilClient)
	require.ErrorIs(t, client.Close(), ErrNilClient)
	require.ErrorIs(t, client.Ping(context.Background()), ErrNilClient)
	assert.False(t, client.IsConnected())

	_, err := client.GetClient(context.Background())
	require.ErrorIs(t, err, ErrNilClient)
}
