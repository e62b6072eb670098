package engine

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/mercury-crawler/models"
)

func TestConnectBrowserKillsOnFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	killed := 0
	browser, err := connectBrowser("ws://"+addr+"/devtools/browser/gone", func() { killed++ })
	require.Error(t, err)
	assert.Nil(t, browser)
	assert.Equal(t, 1, killed)
	assert.Equal(t, models.ErrCodeBrowserCrash, models.ErrorCode(err))
}
