package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkPayload() []byte {
	// Smooth float-like data, the shape chunk payloads actually have.
	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i / 256)
	}
	return data
}

func TestRoundTripAllAlgorithms(t *testing.T) {
	payload := chunkPayload()

	for _, algo := range []Algorithm{None, Snappy, S2, LZ4, Zstd} {
		t.Run(string(algo), func(t *testing.T) {
			c, err := NewCompressor(Config{Algorithm: algo})
			require.NoError(t, err)
			assert.Equal(t, algo, c.Algorithm())

			compressed, err := c.Compress(payload)
			require.NoError(t, err)

			restored, err := c.Decompress(compressed)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, restored))

			if algo != None {
				assert.Less(t, len(compressed), len(payload))
			}
		})
	}
}

func TestLevels(t *testing.T) {
	payload := chunkPayload()
	for _, level := range []Level{Fastest, Default, Best} {
		c, err := NewCompressor(Config{Algorithm: Zstd, Level: level})
		require.NoError(t, err)

		compressed, err := c.Compress(payload)
		require.NoError(t, err)
		restored, err := c.Decompress(compressed)
		require.NoError(t, err)
		assert.Equal(t, payload, restored)
	}
}

func TestUnsupportedAlgorithm(t *testing.T) {
	_, err := NewCompressor(Config{Algorithm: "brotli"})
	assert.Error(t, err)
}

func TestPoolConcurrent(t *testing.T) {
	pool := NewPool(Config{Algorithm: Zstd})
	payload := chunkPayload()

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			compressed, err := pool.Compress(payload)
			if err != nil {
				done <- err
				return
			}
			restored, err := pool.Decompress(compressed)
			if err == nil && !bytes.Equal(payload, restored) {
				err = assert.AnError
			}
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}
}
