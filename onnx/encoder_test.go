package onnx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

func TestSessionPoolDrainWaitsForCheckedOutSessions(t *testing.T) {
	pool := newSessionPool[int](2)
	pool.put(1)
	pool.put(2)

	busy, err := pool.acquire()
	require.NoError(t, err)

	drained := make(chan []int, 1)
	go func() { drained <- pool.drain() }()

	select {
	case <-drained:
		t.Fatal("drain returned while a session was still checked out")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = pool.acquire()
	require.ErrorIs(t, err, errEncoderClosed)

	pool.release(busy)
	select {
	case got := <-drained:
		require.ElementsMatch(t, []int{1, 2}, got)
	case <-time.After(time.Second):
		t.Fatal("drain did not return after the session came back")
	}
	require.Empty(t, pool.drain())
}

func TestEncoderCloseRejectsLaterCalls(t *testing.T) {
	e := &Encoder{pool: newSessionPool[*visualSession](0), imageSize: 1, embedDim: 4}
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.EncodeImage(make([]float32, 3))
	require.ErrorIs(t, err, errEncoderClosed)

	_, err = e.EncodeImage(make([]float32, 2))
	require.ErrorContains(t, err, "want 3")
}

func TestFlattenTokens(t *testing.T) {
	tokens := [][]int64{{49406, 1, 49407}, {49406, 2, 49407}}

	narrow, width, err := flattenTokens[int32](tokens)
	require.NoError(t, err)
	require.Equal(t, 3, width)
	require.Equal(t, []int32{49406, 1, 49407, 49406, 2, 49407}, narrow)

	wide, width, err := flattenTokens[int64](tokens)
	require.NoError(t, err)
	require.Equal(t, 3, width)
	require.Equal(t, []int64{49406, 1, 49407, 49406, 2, 49407}, wide)

	_, _, err = flattenTokens[int64]([][]int64{{1, 2}, {3}})
	require.ErrorContains(t, err, "token row 1")
}

func TestSplitRows(t *testing.T) {
	rows, err := splitRows([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)
	require.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, rows)

	data := []float32{1, 2}
	rows, err = splitRows(data, 1, 2)
	require.NoError(t, err)
	data[0] = 9
	require.Equal(t, float32(1), rows[0][0])

	_, err = splitRows([]float32{1, 2, 3}, 2, 2)
	require.Error(t, err)
	_, err = splitRows(nil, 1, 0)
	require.Error(t, err)
}

func TestEmbedDim(t *testing.T) {
	require.Equal(t, 512, embedDim(ort.InputOutputInfo{Dimensions: ort.NewShape(1, 512)}, 768))
	require.Equal(t, 768, embedDim(ort.InputOutputInfo{Dimensions: ort.NewShape(-1, -1)}, 768))
	require.Equal(t, 768, embedDim(ort.InputOutputInfo{}, 768))
}

func TestCheckImageInput(t *testing.T) {
	require.NoError(t, checkImageInput(ort.NewShape(1, 3, 224, 224), 224))
	require.NoError(t, checkImageInput(ort.NewShape(-1, 3, -1, -1), 336))

	require.ErrorContains(t, checkImageInput(ort.NewShape(1, 3, 336, 336), 224), "336x336")
	require.ErrorContains(t, checkImageInput(ort.NewShape(1, 1, 224, 224), 224), "channels")
	require.ErrorContains(t, checkImageInput(ort.NewShape(1, 512), 224), "rank 2")
}
