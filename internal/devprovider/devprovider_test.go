package devprovider

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.jsonl")
	var body string
	for _, l := range lines {
		body += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestProviderServesLoadedBlocksInOrder(t *testing.T) {
	path := writeFixture(t, []string{
		`{"number":0,"hash":"` + b64("h0") + `","parent_hash":"","payload":"` + b64("p0") + `"}`,
		`{"number":1,"hash":"` + b64("h1") + `","parent_hash":"` + b64("h0") + `","payload":"` + b64("p1") + `"}`,
	})
	p, err := Load(path)
	require.NoError(t, err)

	ctx := context.Background()
	head, err := p.HeadCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), head.Number)

	b0, err := p.IngestByNumber(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "p0", string(b0.Payload))

	b1, err := p.IngestByHash(ctx, 1, []byte("h1"))
	require.NoError(t, err)
	require.Equal(t, "p1", string(b1.Payload))
}

func TestProviderMissingBlockReturnsNotFound(t *testing.T) {
	path := writeFixture(t, []string{
		`{"number":0,"hash":"` + b64("h0") + `","parent_hash":"","payload":"` + b64("p0") + `"}`,
	})
	p, err := Load(path)
	require.NoError(t, err)

	_, err = p.IngestByNumber(context.Background(), 5)
	require.Error(t, err)
}
