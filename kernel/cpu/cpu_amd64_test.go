package cpu

import "testing"

func TestPagingLevels(t *testing.T) {
	defer func() {
		readCR4Fn = readCR4
	}()

	specs := []struct {
		cr4    uint64
		expLvl uint8
	}{
		{0, 4},
		{0x20, 4},
		{cr4LA57, 5},
		{cr4LA57 | 0x20, 5},
	}

	for specIndex, spec := range specs {
		readCR4Fn = func() uint64 { return spec.cr4 }
		if got := PagingLevels(); got != spec.expLvl {
			t.Errorf("[spec %d] expected PagingLevels() to return %d; got %d", specIndex, spec.expLvl, got)
		}
	}
}
