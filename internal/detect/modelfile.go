package detect

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"path/filepath"
	"strings"
)

// ModelInfo is the metadata extracted from a serialized model artifact.
// Inspection is metadata-only; model code is never executed.
type ModelInfo struct {
	Framework     string   `json:"framework"`
	Recognized    bool     `json:"recognized"`
	ParamCount    int64    `json:"param_count,omitempty"`
	InputShapes   []string `json:"input_shapes,omitempty"`
	OutputShapes  []string `json:"output_shapes,omitempty"`
	HasEmbeddings bool     `json:"has_embeddings"`
	TensorNames   []string `json:"tensor_names,omitempty"`
}

// InspectModelArtifact identifies the framework of a model file from magic
// bytes and extension, and extracts what metadata the format exposes without
// deserializing executable content.
func InspectModelArtifact(name string, data []byte) *ModelInfo {
	ext := strings.ToLower(filepath.Ext(name))

	switch {
	case ext == ".safetensors" || looksLikeSafetensors(data):
		return inspectSafetensors(data)
	case ext == ".onnx" || bytes.HasPrefix(data, []byte{0x08}):
		return &ModelInfo{Framework: "onnx", Recognized: true}
	case ext == ".h5" || ext == ".hdf5" || bytes.HasPrefix(data, []byte("\x89HDF")):
		return &ModelInfo{Framework: "keras_h5", Recognized: true}
	case (ext == ".pt" || ext == ".pth" || ext == ".ckpt") && bytes.HasPrefix(data, []byte("PK")):
		return inspectTorchZip(data)
	case ext == ".pb":
		return &ModelInfo{Framework: "tensorflow", Recognized: true}
	case ext == ".gguf" || bytes.HasPrefix(data, []byte("GGUF")):
		return inspectGGUF(data)
	case ext == ".pkl" || ext == ".pickle" || bytes.HasPrefix(data, []byte{0x80}):
		// Pickle archives can embed arbitrary code; classify without parsing.
		return &ModelInfo{Framework: "pickle", Recognized: true}
	}
	return &ModelInfo{Framework: "unknown", Recognized: false}
}

// looksLikeSafetensors checks the 8-byte little-endian header length prefix
// followed by a JSON object.
func looksLikeSafetensors(data []byte) bool {
	if len(data) < 10 {
		return false
	}
	n := binary.LittleEndian.Uint64(data[:8])
	return n > 0 && n < uint64(len(data)) && data[8] == '{'
}

// inspectSafetensors reads the JSON tensor index from the header. Parameter
// count is the sum of tensor shape products.
func inspectSafetensors(data []byte) *ModelInfo {
	info := &ModelInfo{Framework: "safetensors", Recognized: true}
	if len(data) < 9 {
		return info
	}
	n := binary.LittleEndian.Uint64(data[:8])
	if n == 0 || n > uint64(len(data)-8) {
		return info
	}
	var header map[string]struct {
		DType string  `json:"dtype"`
		Shape []int64 `json:"shape"`
	}
	if err := json.Unmarshal(data[8:8+n], &header); err != nil {
		return info
	}
	for name, tensor := range header {
		if name == "__metadata__" {
			continue
		}
		count := int64(1)
		for _, d := range tensor.Shape {
			count *= d
		}
		info.ParamCount += count
		info.TensorNames = append(info.TensorNames, name)
		if strings.Contains(strings.ToLower(name), "embed") {
			info.HasEmbeddings = true
		}
	}
	return info
}

// inspectTorchZip recognizes a TorchScript/pickle zip container and scans
// the central directory for embedding layer names.
func inspectTorchZip(data []byte) *ModelInfo {
	info := &ModelInfo{Framework: "pytorch", Recognized: true}
	if bytes.Contains(data, []byte("embedding")) || bytes.Contains(data, []byte("embed_tokens")) {
		info.HasEmbeddings = true
	}
	return info
}

// inspectGGUF reads the GGUF magic and tensor count from the fixed header.
func inspectGGUF(data []byte) *ModelInfo {
	info := &ModelInfo{Framework: "gguf", Recognized: true}
	if len(data) < 24 || !bytes.HasPrefix(data, []byte("GGUF")) {
		return info
	}
	tensorCount := binary.LittleEndian.Uint64(data[8:16])
	if tensorCount < 1<<32 {
		info.ParamCount = int64(tensorCount) // tensor count, not weights; best effort
	}
	return info
}
