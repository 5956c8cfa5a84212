package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geostore/geostore/internal/config"
)

func TestSetupLokiShippingDisabled(t *testing.T) {
	cfg := &config.NodeConfig{}
	cfg.ApplyDefaults()
	assert.Nil(t, setupLokiShipping(cfg))
}

// Shipping must be installed before components capture the global
// logger, so a logger derived after setup has to reach Loki.
func TestSetupLokiShippingCoversDerivedLoggers(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var push struct {
			Streams []struct {
				Stream map[string]string `json:"stream"`
				Values [][]string        `json:"values"`
			} `json:"streams"`
		}
		require.NoError(t, json.Unmarshal(body, &push))

		mu.Lock()
		for _, s := range push.Streams {
			assert.Equal(t, "http://localhost:50001", s.Stream["endpoint"])
			for _, v := range s.Values {
				lines = append(lines, v[1])
			}
		}
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	oldLogger := log.Logger
	defer func() { log.Logger = oldLogger }()

	cfg := &config.NodeConfig{}
	cfg.ApplyDefaults()
	cfg.Logging.Loki.URL = srv.URL

	w := setupLokiShipping(cfg)
	require.NotNil(t, w)

	componentLogger := log.Logger.With().Str("component", "store").Logger()
	componentLogger.Info().Msg("shipping check")
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, lines)
	found := false
	for _, line := range lines {
		if strings.Contains(line, "shipping check") && strings.Contains(line, "store") {
			found = true
		}
	}
	assert.True(t, found, "derived component logger output should reach Loki")
}
