package capture

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Quality is a coarse loudness class of a recording
type Quality string

const (
	QualityGood      Quality = "good"
	QualityQuiet     Quality = "quiet"
	QualityVeryQuiet Quality = "very_quiet"
	QualityLoud      Quality = "loud"
	QualityClipping  Quality = "clipping"
)

// Classification thresholds in dBFS
const (
	ClippingPeakDB = -0.1
	VeryQuietRMSDB = -40.0
	QuietRMSDB     = -25.0
	LoudRMSDB      = -8.0

	// SilenceDB is reported for digital silence instead of -Inf
	SilenceDB = -100.0
)

// Classify maps RMS and peak levels to a quality class. Clipping wins over
// every loudness class.
func Classify(rmsDB, peakDB float64) Quality {
	switch {
	case peakDB > ClippingPeakDB:
		return QualityClipping
	case rmsDB < VeryQuietRMSDB:
		return QualityVeryQuiet
	case rmsDB < QuietRMSDB:
		return QualityQuiet
	case rmsDB > LoudRMSDB:
		return QualityLoud
	}
	return QualityGood
}

// QualityReport is the outcome of a full-file level analysis
type QualityReport struct {
	RMSDB   float64 `json:"rms_db"`
	PeakDB  float64 `json:"peak_db"`
	Quality Quality `json:"quality"`
}

// decibels converts a linear amplitude relative to full scale to dBFS
func decibels(amplitude, fullScale float64) float64 {
	if amplitude <= 0 || fullScale <= 0 {
		return SilenceDB
	}
	db := 20.0 * math.Log10(amplitude/fullScale)
	if db < SilenceDB {
		return SilenceDB
	}
	return db
}

// MeasureLevels returns RMS and peak dBFS of integer samples at bitDepth
func MeasureLevels(samples []int, bitDepth int) (rmsDB, peakDB float64) {
	if len(samples) == 0 || bitDepth <= 0 {
		return SilenceDB, SilenceDB
	}
	fullScale := math.Pow(2, float64(bitDepth-1))

	var sumSquares, peak float64
	for _, s := range samples {
		v := float64(s)
		sumSquares += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	rms := math.Sqrt(sumSquares / float64(len(samples)))

	return decibels(rms, fullScale), decibels(peak, fullScale)
}

// AnalyzeQuality decodes a WAV file and classifies its loudness
func AnalyzeQuality(data []byte) (*QualityReport, error) {
	buf, bitDepth, err := DecodePCM(data)
	if err != nil {
		return nil, err
	}
	if len(buf.Data) == 0 {
		return nil, fmt.Errorf("failed to analyze quality: no samples")
	}

	rms, peak := MeasureLevels(buf.Data, bitDepth)
	return &QualityReport{RMSDB: rms, PeakDB: peak, Quality: Classify(rms, peak)}, nil
}

// chunkLevel returns the RMS of a 16-bit PCM chunk scaled to 0.0-1.0
func chunkLevel(raw []byte) float64 {
	n := len(raw) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(raw[i*2:])))
		sumSquares += v * v
	}
	level := math.Sqrt(sumSquares/float64(n)) / 32768.0
	if level > 1 {
		level = 1
	}
	return level
}
