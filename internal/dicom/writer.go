package dicom

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mrsinham/dicomseg/internal/imagecache"
	"github.com/mrsinham/dicomseg/internal/snapshot"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const secondaryCaptureStorage = "1.2.840.10008.5.1.4.1.1.7"

// ImageSource resolves labelmap images to learn their shape and reference.
type ImageSource interface {
	Get(id string) (*imagecache.Image, bool)
}

// LabelmapSeriesOptions configures WriteLabelmapSeries.
type LabelmapSeriesOptions struct {
	OutputDir         string
	SeriesDescription string
	// Overrides replace generated values, see ParseTagOverrides.
	Overrides map[TagInfo]string
}

// identity is the patient and study context copied from a reference file.
type identity struct {
	patientName, patientID, studyUID, frameUID string
}

func referenceIdentity(imageID string) identity {
	if !strings.HasPrefix(imageID, FileScheme) {
		return identity{}
	}
	ds, err := dicom.ParseFile(PathFromImageID(imageID), nil, dicom.SkipPixelData())
	if err != nil {
		return identity{}
	}
	return identity{
		patientName: stringValue(ds, tag.PatientName),
		patientID:   stringValue(ds, tag.PatientID),
		studyUID:    stringValue(ds, tag.StudyInstanceUID),
		frameUID:    stringValue(ds, tag.FrameOfReferenceUID),
	}
}

// WriteLabelmapSeries writes every buffer of snap as an 8-bit secondary
// capture slice. Patient and study identity are copied from the first
// reference image when it is a DICOM file. It returns the written paths in
// slice order.
func WriteLabelmapSeries(snap *snapshot.Snapshot, images ImageSource, opts LabelmapSeriesOptions) ([]string, error) {
	if snap == nil || len(snap.ImageData) == 0 {
		return nil, fmt.Errorf("write labelmap series: empty snapshot")
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	first, ok := images.Get(snap.ImageData[0].ImageID)
	if !ok {
		return nil, fmt.Errorf("write labelmap series: image %s not cached", snap.ImageData[0].ImageID)
	}
	id := referenceIdentity(first.ReferenceID)
	base := fmt.Sprintf("%s_%s_%d", snap.SegmentationID, opts.OutputDir, snap.CapturedAt.UnixNano())
	if id.studyUID == "" {
		id.studyUID = uidFor(base + "_study")
	}
	if id.frameUID == "" {
		id.frameUID = uidFor(base + "_frame")
	}
	seriesUID := uidFor(base + "_series")
	description := opts.SeriesDescription
	if description == "" {
		description = "Labelmap " + snap.SegmentationID
	}

	paths := make([]string, 0, len(snap.ImageData))
	for i, d := range snap.ImageData {
		im, ok := images.Get(d.ImageID)
		if !ok {
			return nil, fmt.Errorf("write labelmap series: image %s not cached", d.ImageID)
		}
		if len(d.PixelData) != im.NumPixels() {
			return nil, fmt.Errorf("write labelmap series: %s has %d bytes, want %d", d.ImageID, len(d.PixelData), im.NumPixels())
		}

		instance := i + 1
		nativeFrame := frame.NewNativeFrame[uint8](8, im.Rows, im.Columns, im.NumPixels(), 1)
		copy(nativeFrame.RawData, d.PixelData)

		elements := []*dicom.Element{
			mustNewElement(tag.TransferSyntaxUID, []string{explicitVRLittle}),
			mustNewElement(tag.ImageType, []string{"DERIVED", "SECONDARY"}),
			mustNewElement(tag.SOPClassUID, []string{secondaryCaptureStorage}),
			mustNewElement(tag.SOPInstanceUID, []string{uidFor(fmt.Sprintf("%s_instance_%d", base, instance))}),
			mustNewElement(tag.Modality, []string{"OT"}),
			mustNewElement(tag.SeriesDescription, []string{description}),
			mustNewElement(tag.PatientName, []string{id.patientName}),
			mustNewElement(tag.PatientID, []string{id.patientID}),
			mustNewElement(tag.StudyInstanceUID, []string{id.studyUID}),
			mustNewElement(tag.SeriesInstanceUID, []string{seriesUID}),
			mustNewElement(tag.SeriesNumber, []string{"900"}),
			mustNewElement(tag.InstanceNumber, []string{fmt.Sprintf("%d", instance)}),
			mustNewElement(tag.FrameOfReferenceUID, []string{id.frameUID}),
			mustNewElement(tag.DerivationDescription, []string{"labelmap of " + im.ReferenceID}),
			mustNewElement(tag.SamplesPerPixel, []int{1}),
			mustNewElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
			mustNewElement(tag.Rows, []int{im.Rows}),
			mustNewElement(tag.Columns, []int{im.Columns}),
			mustNewElement(tag.BitsAllocated, []int{8}),
			mustNewElement(tag.BitsStored, []int{8}),
			mustNewElement(tag.HighBit, []int{7}),
			mustNewElement(tag.PixelRepresentation, []int{0}),
		}
		elements = applyOverrides(elements, opts.Overrides)
		elements = append(elements, mustNewElement(tag.PixelData, dicom.PixelDataInfo{
			Frames: []*frame.Frame{{Encapsulated: false, NativeData: nativeFrame}},
		}))

		// Overrides may append tags out of order.
		sort.SliceStable(elements, func(i, j int) bool {
			if elements[i].Tag.Group != elements[j].Tag.Group {
				return elements[i].Tag.Group < elements[j].Tag.Group
			}
			return elements[i].Tag.Element < elements[j].Tag.Element
		})

		path := filepath.Join(opts.OutputDir, fmt.Sprintf("LBL%04d.dcm", instance))
		if err := writeDatasetToFile(path, dicom.Dataset{Elements: elements}); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func applyOverrides(elements []*dicom.Element, overrides map[TagInfo]string) []*dicom.Element {
	for info, value := range overrides {
		elem := mustNewElement(info.Tag, []string{value})
		replaced := false
		for i, e := range elements {
			if e.Tag == info.Tag {
				elements[i] = elem
				replaced = true
				break
			}
		}
		if !replaced {
			elements = append(elements, elem)
		}
	}
	return elements
}
