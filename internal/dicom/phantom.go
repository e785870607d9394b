package dicom

import (
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math"
	"math/big"
	randv2 "math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/mrsinham/dicomseg/internal/annotation"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	mrImageStorage      = "1.2.840.10008.5.1.4.1.1.4"
	explicitVRLittle    = "1.2.840.10008.1.2.1"
	phantomBitsStored   = 12
	phantomMaxValue     = 1<<phantomBitsStored - 1
	phantomLesionValue  = 2600
	phantomTissueValue  = 500
	phantomNoiseSpread  = 80.0
	phantomGradientSpan = 400.0
)

// DefaultWorkers is the parallelism used when none is configured.
func DefaultWorkers() int {
	return runtime.NumCPU()
}

// PhantomOptions configures GeneratePhantomSeries.
type PhantomOptions struct {
	OutputDir string
	NumImages int
	// Size is the width and height of every slice. Defaults to 128.
	Size    int
	Seed    int64
	Workers int

	PatientName string
	PatientSex  string

	ProgressCallback func(current, total int)
}

// GeneratedFile describes one phantom slice written to disk.
type GeneratedFile struct {
	Path           string
	ImageID        string
	StudyUID       string
	SeriesUID      string
	SOPInstanceUID string
	InstanceNumber int
	// Lesion is the bounding box of the bright lesion on this slice. It is
	// empty when the slice does not cut the lesion.
	Lesion annotation.BBox
}

// uidFor derives a stable DICOM UID from name using the 2.25 UUID root.
func uidFor(name string) string {
	u := uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
	return "2.25." + new(big.Int).SetBytes(u[:]).String()
}

// writeDatasetToFile writes a DICOM dataset to a file
func writeDatasetToFile(filename string, ds dicom.Dataset, opts ...dicom.WriteOption) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return dicom.Write(f, ds, opts...)
}

func mustNewElement(t tag.Tag, value any) *dicom.Element {
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		panic(fmt.Sprintf("failed to create element %v: %v", t, err))
	}
	return elem
}

// lesion is an ellipsoid centred in the volume, slightly off the image
// centre so it does not sit under the slice caption.
type lesion struct {
	cx, cy, rx, ry float64
}

// sliceLesion returns the lesion cross-section on slice index of n.
func sliceLesion(size, index, n int) (lesion, bool) {
	half := float64(n) / 2
	t := (float64(index) + 0.5 - half) / (half * 0.8)
	if n == 1 {
		t = 0
	}
	if math.Abs(t) >= 1 {
		return lesion{}, false
	}
	scale := math.Sqrt(1 - t*t)
	s := float64(size)
	return lesion{
		cx: s * 0.55,
		cy: s * 0.55,
		rx: s / 6 * scale,
		ry: s / 8 * scale,
	}, true
}

func (l lesion) contains(x, y int) bool {
	if l.rx < 0.5 || l.ry < 0.5 {
		return false
	}
	dx := (float64(x) + 0.5 - l.cx) / l.rx
	dy := (float64(y) + 0.5 - l.cy) / l.ry
	return dx*dx+dy*dy <= 1
}

func (l lesion) bbox(size int) annotation.BBox {
	if l.rx < 0.5 || l.ry < 0.5 {
		return annotation.BBox{}
	}
	clamp := func(v float64) float64 { return math.Max(0, math.Min(float64(size), v)) }
	return annotation.BBox{
		clamp(math.Floor(l.cx - l.rx - 2)),
		clamp(math.Floor(l.cy - l.ry - 2)),
		clamp(math.Ceil(l.cx + l.rx + 2)),
		clamp(math.Ceil(l.cy + l.ry + 2)),
	}
}

// phantomTask contains all data needed to write a single slice
type phantomTask struct {
	index     int
	size      int
	filePath  string
	caption   string
	pixelSeed uint64
	lesion    lesion
	hasLesion bool
	metadata  []*dicom.Element
}

// GeneratePhantomSeries writes a single MR series of synthetic slices with
// an ellipsoid lesion through the middle of the volume. Output is
// deterministic for a given seed and output directory.
func GeneratePhantomSeries(opts PhantomOptions) ([]GeneratedFile, error) {
	if opts.NumImages <= 0 {
		return nil, fmt.Errorf("number of images must be > 0, got %d", opts.NumImages)
	}
	if opts.Size == 0 {
		opts.Size = 128
	}
	if opts.Size < 64 {
		return nil, fmt.Errorf("image size must be >= 64, got %d", opts.Size)
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	seed := opts.Seed
	if seed == 0 {
		h := fnv.New64a()
		_, _ = h.Write([]byte(opts.OutputDir)) // hash.Write never returns an error
		seed = int64(h.Sum64())
	}
	rng := randv2.New(randv2.NewPCG(uint64(seed), uint64(seed)))

	sex := opts.PatientSex
	if sex == "" {
		sex = []string{"M", "F"}[rng.IntN(2)]
	}
	name := opts.PatientName
	if name == "" {
		name = phantomPatientName(sex, rng)
	}
	patientID := fmt.Sprintf("PID%06d", rng.IntN(900000)+100000)

	base := fmt.Sprintf("%s_%d", opts.OutputDir, seed)
	studyUID := uidFor(base + "_study")
	seriesUID := uidFor(base + "_series")
	frameUID := uidFor(base + "_frame")
	size := opts.Size

	tasks := make([]phantomTask, opts.NumImages)
	files := make([]GeneratedFile, opts.NumImages)
	for i := range tasks {
		instance := i + 1
		sopUID := uidFor(fmt.Sprintf("%s_instance_%d", base, instance))
		path := filepath.Join(opts.OutputDir, fmt.Sprintf("IMG%04d.dcm", instance))
		l, ok := sliceLesion(size, i, opts.NumImages)

		pixelSeedHash := fnv.New64a()
		_, _ = fmt.Fprintf(pixelSeedHash, "%d_pixel_%d", seed, instance)

		z := float64(i) * 2.0
		metadata := []*dicom.Element{
			mustNewElement(tag.TransferSyntaxUID, []string{explicitVRLittle}),
			mustNewElement(tag.PatientName, []string{name}),
			mustNewElement(tag.PatientID, []string{patientID}),
			mustNewElement(tag.PatientSex, []string{sex}),
			mustNewElement(tag.StudyInstanceUID, []string{studyUID}),
			mustNewElement(tag.StudyDescription, []string{"PHANTOM MR"}),
			mustNewElement(tag.SeriesInstanceUID, []string{seriesUID}),
			mustNewElement(tag.SeriesNumber, []string{"1"}),
			mustNewElement(tag.SeriesDescription, []string{"Phantom T1 AX"}),
			mustNewElement(tag.Modality, []string{"MR"}),
			mustNewElement(tag.SOPInstanceUID, []string{sopUID}),
			mustNewElement(tag.SOPClassUID, []string{mrImageStorage}),
			mustNewElement(tag.InstanceNumber, []string{fmt.Sprintf("%d", instance)}),
			mustNewElement(tag.PixelSpacing, []string{"1.000000", "1.000000"}),
			mustNewElement(tag.SliceThickness, []string{"2.000000"}),
			mustNewElement(tag.ImagePositionPatient, []string{"0.000000", "0.000000", fmt.Sprintf("%.6f", z)}),
			mustNewElement(tag.ImageOrientationPatient, []string{"1.000000", "0.000000", "0.000000", "0.000000", "1.000000", "0.000000"}),
			mustNewElement(tag.SliceLocation, []string{fmt.Sprintf("%.6f", z)}),
			mustNewElement(tag.FrameOfReferenceUID, []string{frameUID}),
			mustNewElement(tag.Rows, []int{size}),
			mustNewElement(tag.Columns, []int{size}),
			mustNewElement(tag.BitsAllocated, []int{16}),
			mustNewElement(tag.BitsStored, []int{phantomBitsStored}),
			mustNewElement(tag.HighBit, []int{phantomBitsStored - 1}),
			mustNewElement(tag.PixelRepresentation, []int{0}),
			mustNewElement(tag.SamplesPerPixel, []int{1}),
			mustNewElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
			mustNewElement(tag.WindowCenter, []string{"1200.0"}),
			mustNewElement(tag.WindowWidth, []string{"2400.0"}),
		}

		tasks[i] = phantomTask{
			index:     i,
			size:      size,
			filePath:  path,
			caption:   fmt.Sprintf("Slice %d/%d", instance, opts.NumImages),
			pixelSeed: pixelSeedHash.Sum64(),
			lesion:    l,
			hasLesion: ok,
			metadata:  metadata,
		}
		files[i] = GeneratedFile{
			Path:           path,
			ImageID:        ImageID(path),
			StudyUID:       studyUID,
			SeriesUID:      seriesUID,
			SOPInstanceUID: sopUID,
			InstanceNumber: instance,
		}
		if ok {
			files[i].Lesion = l.bbox(size)
		}
	}

	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = DefaultWorkers()
	}
	numWorkers = min(numWorkers, len(tasks))

	taskChan := make(chan phantomTask, len(tasks))
	resultChan := make(chan struct {
		index int
		err   error
	}, len(tasks))

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				resultChan <- struct {
					index int
					err   error
				}{task.index, writePhantomSlice(task)}
			}
		}()
	}
	for _, task := range tasks {
		taskChan <- task
	}
	close(taskChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	completed := 0
	var firstErr error
	for result := range resultChan {
		if result.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("generate slice %d: %w", result.index+1, result.err)
		}
		completed++
		if opts.ProgressCallback != nil {
			opts.ProgressCallback(completed, len(tasks))
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return files, nil
}

func writePhantomSlice(task phantomTask) error {
	size := task.size
	nativeFrame := frame.NewNativeFrame[uint16](16, size, size, size*size, 1)

	rng := randv2.New(randv2.NewPCG(task.pixelSeed, task.pixelSeed))
	center := float64(size) / 2
	maxDist := math.Sqrt(2 * center * center)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x)-center, float64(y)-center
			intensity := phantomTissueValue + (1-math.Sqrt(dx*dx+dy*dy)/maxDist)*phantomGradientSpan
			if task.hasLesion && task.lesion.contains(x, y) {
				intensity = phantomLesionValue
			}
			intensity += (rng.Float64() - 0.5) * phantomNoiseSpread
			nativeFrame.RawData[y*size+x] = uint16(math.Max(0, math.Min(phantomMaxValue, intensity)))
		}
	}

	drawCaption16(nativeFrame.RawData, size, size, task.caption)

	elements := make([]*dicom.Element, len(task.metadata)+1)
	copy(elements, task.metadata)
	elements[len(task.metadata)] = mustNewElement(tag.PixelData, dicom.PixelDataInfo{
		Frames: []*frame.Frame{{Encapsulated: false, NativeData: nativeFrame}},
	})
	return writeDatasetToFile(task.filePath, dicom.Dataset{Elements: elements})
}

// drawCaption16 burns text into the top-left corner of a 16-bit frame with a
// black outline. Frames of 128 pixels and more get a doubled font.
func drawCaption16(data []uint16, width, height int, text string) {
	face := basicfont.Face7x13
	textWidth := font.MeasureString(face, text).Ceil()
	const textHeight = 13

	textImg := image.NewRGBA(image.Rect(0, 0, textWidth, textHeight))
	drawer := &font.Drawer{
		Dst:  textImg,
		Src:  image.NewUniform(color.RGBA{255, 255, 255, 255}),
		Face: face,
		Dot:  fixed.Point26_6{Y: fixed.I(11)},
	}
	drawer.DrawString(text)

	factor := 1
	if width >= 128 {
		factor = 2
	}
	scaled := image.NewRGBA(image.Rect(0, 0, textWidth*factor, textHeight*factor))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), textImg, textImg.Bounds(), draw.Over, nil)

	const margin, outline = 4, 1
	set := func(x, y int, v uint16) {
		if x >= 0 && x < width && y >= 0 && y < height {
			data[y*width+x] = v
		}
	}
	b := scaled.Bounds()
	for sy := b.Min.Y; sy < b.Max.Y; sy++ {
		for sx := b.Min.X; sx < b.Max.X; sx++ {
			if scaled.RGBAAt(sx, sy).A == 0 {
				continue
			}
			for dy := -outline; dy <= outline; dy++ {
				for dx := -outline; dx <= outline; dx++ {
					set(margin+sx+dx, margin+sy+dy, 0)
				}
			}
		}
	}
	for sy := b.Min.Y; sy < b.Max.Y; sy++ {
		for sx := b.Min.X; sx < b.Max.X; sx++ {
			if c := scaled.RGBAAt(sx, sy); c.A > 0 {
				set(margin+sx, margin+sy, uint16(int(c.R)*phantomMaxValue/255))
			}
		}
	}
}
