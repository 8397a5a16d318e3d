package sqlutil

import "testing"

type intChunker []int

func (c intChunker) Len() int {
	return len(c)
}
func (c intChunker) Subslice(i, j int) Chunker {
	return c[i:j]
}

func TestChunkify(t *testing.T) {
	entries := make(intChunker, 100)
	testCases := []struct {
		paramsPerRow int
		maxParams    int
		wantChunks   int
		wantLast     int
	}{
		{1, 100, 1, 100}, // exactly fits
		{1, 99, 2, 1},    // one over
		{7, 140, 5, 20},  // 20 rows per chunk
		{1, 1000, 1, 100},
	}
	for _, tc := range testCases {
		chunks := Chunkify(tc.paramsPerRow, tc.maxParams, entries)
		if len(chunks) != tc.wantChunks {
			t.Errorf("Chunkify(%d, %d): got %d chunks, want %d", tc.paramsPerRow, tc.maxParams, len(chunks), tc.wantChunks)
			continue
		}
		total := 0
		for _, c := range chunks {
			total += c.Len()
		}
		if total != entries.Len() {
			t.Errorf("Chunkify(%d, %d): chunks cover %d entries, want %d", tc.paramsPerRow, tc.maxParams, total, entries.Len())
		}
		if last := chunks[len(chunks)-1].Len(); last != tc.wantLast {
			t.Errorf("Chunkify(%d, %d): last chunk has %d entries, want %d", tc.paramsPerRow, tc.maxParams, last, tc.wantLast)
		}
	}
}
