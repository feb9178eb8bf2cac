package picture

import (
	"math"
	"testing"
)

func TestFrameType(t *testing.T) {
	tests := []struct {
		name string
		pic  Picture
		want FrameType
	}{
		{"intra", Picture{POC: 0, Intra: true}, FrameI},
		{"backward only", Picture{POC: 8, Refs: []int{0}}, FrameP},
		{"bidirectional", Picture{POC: 4, Refs: []int{0, 8}}, FrameB},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pic.Type(); got != tt.want {
				t.Errorf("Type() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIntraCostsFlatPlaneIsZero(t *testing.T) {
	luma := make([]byte, 16*16)
	for i := range luma {
		luma[i] = 128
	}
	costs := IntraCosts(luma, 16, 16, 16, 2, 2, 8)
	for i, c := range costs {
		if c != 0 {
			t.Errorf("block %d cost = %v, want 0", i, c)
		}
	}
}

func TestIntraCostsTexture(t *testing.T) {
	// Left half flat, right half alternating 0/255 columns.
	w, h := 16, 8
	luma := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 8; x < w; x++ {
			if x%2 == 0 {
				luma[y*w+x] = 255
			}
		}
	}
	costs := IntraCosts(luma, w, h, w, 2, 1, 8)
	if costs[0] != 0 {
		t.Errorf("flat block cost = %v, want 0", costs[0])
	}
	want := 64 * 127.5
	if math.Abs(costs[1]-want) > 1e-9 {
		t.Errorf("textured block cost = %v, want %v", costs[1], want)
	}
}

func TestIntraCostsPartialEdgeBlock(t *testing.T) {
	luma := make([]byte, 10*10)
	costs := IntraCosts(luma, 10, 10, 10, 2, 2, 8)
	if len(costs) != 4 {
		t.Fatalf("len(costs) = %d, want 4", len(costs))
	}
}

func TestBlockCosts(t *testing.T) {
	p := &Picture{Costs: []float64{1, 2}}
	if got := p.BlockCosts(2, 1, 8); len(got) != 2 || got[1] != 2 {
		t.Errorf("BlockCosts() should return supplied costs, got %v", got)
	}

	empty := &Picture{}
	if got := empty.BlockCosts(2, 1, 8); got != nil {
		t.Errorf("BlockCosts() without luma = %v, want nil", got)
	}
}

func TestCheckLuma(t *testing.T) {
	tests := []struct {
		name    string
		pic     Picture
		wantErr bool
	}{
		{"no plane", Picture{}, false},
		{"exact", Picture{Luma: make([]byte, 64*32), Width: 64, Height: 32}, false},
		{"padded stride", Picture{Luma: make([]byte, 31*80+64), Width: 64, Height: 32, Stride: 80}, false},
		{"short", Picture{Luma: make([]byte, 100), Width: 512, Height: 256}, true},
		{"short last row", Picture{Luma: make([]byte, 31*80+63), Width: 64, Height: 32, Stride: 80}, true},
		{"stride below width", Picture{Luma: make([]byte, 64*32), Width: 64, Height: 32, Stride: 32}, true},
		{"zero size", Picture{Luma: make([]byte, 16)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.pic.CheckLuma(); (err != nil) != tt.wantErr {
				t.Errorf("CheckLuma() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIntraCostsShortPlane(t *testing.T) {
	costs := IntraCosts(make([]byte, 100), 512, 256, 512, 8, 4, 64)
	if len(costs) != 32 {
		t.Fatalf("got %d costs, want 32", len(costs))
	}
	for i, c := range costs {
		if c != 0 {
			t.Errorf("cost[%d] = %v, want 0", i, c)
		}
	}
}
