package detections

import (
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"golang.org/x/sys/cpu"
)

var (
	useAVX512 = cpu.X86.HasAVX512
	useAVX2   = cpu.X86.HasAVX2
	useSSE41  = cpu.X86.HasSSE41
	useNEON   = cpu.ARM64.HasASIMD
)

// CPUFeatures lists the vector extensions available to the inference runtime.
func CPUFeatures() []string {
	var out []string
	if useAVX512 {
		out = append(out, "avx512")
	}
	if useAVX2 {
		out = append(out, "avx2")
	}
	if useSSE41 {
		out = append(out, "sse4.1")
	}
	if useNEON {
		out = append(out, "neon")
	}
	return out
}

type Layout string

const (
	LayoutNHWC Layout = "nhwc"
	LayoutNCHW Layout = "nchw"
)

// Batch is a packed float32 input for one classifier call.
type Batch struct {
	Data   []float32
	Size   int
	Width  int
	Height int
	Layout Layout
}

// Preprocessor crops proposals out of a frame, resizes them to the classifier
// input with bicubic interpolation and scales pixels to [-1, 1].
type Preprocessor struct {
	width, height int
	layout        Layout
	bgr           bool
	numWorkers    int
	bufferPool    *sync.Pool
}

func NewPreprocessor(width, height int, layout Layout, bgr bool) *Preprocessor {
	if layout == "" {
		layout = LayoutNHWC
	}
	return &Preprocessor{
		width:      width,
		height:     height,
		layout:     layout,
		bgr:        bgr,
		numWorkers: runtime.GOMAXPROCS(0),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]float32, 0)
			},
		},
	}
}

func (p *Preprocessor) sampleSize() int {
	return p.width * p.height * 3
}

// Prepare packs every rect of frame into one batch, in rect order.
func (p *Preprocessor) Prepare(frame image.Image, rects []image.Rectangle) Batch {
	n := len(rects)
	size := n * p.sampleSize()
	buffer := p.bufferPool.Get().([]float32)
	if cap(buffer) < size {
		buffer = make([]float32, size)
	}
	buffer = buffer[:size]

	jobs := make(chan int, n)
	for i := range rects {
		jobs <- i
	}
	close(jobs)

	workers := p.numWorkers
	if workers > n {
		workers = n
	}
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				crop := imaging.Crop(frame, rects[i])
				sized := resize.Resize(uint(p.width), uint(p.height), crop, resize.Bicubic)
				p.fill(sized, buffer[i*p.sampleSize():(i+1)*p.sampleSize()])
			}
		}()
	}
	wg.Wait()

	return Batch{Data: buffer, Size: n, Width: p.width, Height: p.height, Layout: p.layout}
}

// Release returns a batch buffer for reuse.
func (p *Preprocessor) Release(b Batch) {
	p.bufferPool.Put(b.Data[:0])
}

func (p *Preprocessor) fill(img image.Image, dst []float32) {
	bounds := img.Bounds()
	channelSize := p.width * p.height
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			c0, c1, c2 := scale(r), scale(g), scale(b)
			if p.bgr {
				c0, c2 = c2, c0
			}
			i := y*p.width + x
			switch p.layout {
			case LayoutNCHW:
				dst[i] = c0
				dst[channelSize+i] = c1
				dst[channelSize*2+i] = c2
			default:
				dst[3*i] = c0
				dst[3*i+1] = c1
				dst[3*i+2] = c2
			}
		}
	}
}

// scale applies MobileNetV2 input normalization to a 16-bit channel value.
func scale(v uint32) float32 {
	return float32(v>>8)/127.5 - 1.0
}
