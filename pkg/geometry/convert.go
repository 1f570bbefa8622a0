package geometry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/meshforge/meshforge/pkg/logger"
	"github.com/meshforge/meshforge/pkg/types"
)

// Converter turns raw geometry files into portable text meshes with
// metadata. Only the text encoding of the raw format is supported;
// binary encodings fail fast with a ParseError.
type Converter struct {
	logger logger.Logger
}

// NewConverter creates a converter
func NewConverter(log logger.Logger) *Converter {
	return &Converter{logger: log}
}

type vertex struct {
	x, y, z float64
}

type rgb struct {
	r, g, b float64
}

type face struct {
	a, b, c int // 0-based
}

// Convert parses a raw geometry file and writes the portable mesh plus
// material file into outputDir. The returned metadata describes the
// converted asset.
func (c *Converter) Convert(plyPath, outputDir string) (string, *types.ModelMetadata, error) {
	f, err := os.Open(plyPath)
	if err != nil {
		return "", nil, fmt.Errorf("raw geometry file not found: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	header, err := ReadHeader(plyPath, reader)
	if err != nil {
		return "", nil, err
	}

	if header.Format != "ascii" {
		return "", nil, &ParseError{
			Path:   plyPath,
			Detail: fmt.Sprintf("unsupported %s encoding, only ascii is supported", header.Format),
		}
	}

	vertices := make([]vertex, 0, header.VertexCount)
	colors := make([]rgb, 0)
	lineNo := header.Lines

	for i := 0; i < header.VertexCount; i++ {
		line, err := readLine(reader)
		lineNo++
		if err != nil {
			return "", nil, &ParseError{Path: plyPath, Line: lineNo,
				Detail: fmt.Sprintf("expected %d vertex records, got %d", header.VertexCount, i)}
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			return "", nil, &ParseError{Path: plyPath, Line: lineNo, Detail: "malformed vertex record"}
		}

		v, err := parseVertex(parts)
		if err != nil {
			return "", nil, &ParseError{Path: plyPath, Line: lineNo, Detail: err.Error()}
		}
		vertices = append(vertices, v)

		if header.HasColors && len(parts) >= 6 {
			col, err := parseColor(parts[3:6])
			if err != nil {
				return "", nil, &ParseError{Path: plyPath, Line: lineNo, Detail: err.Error()}
			}
			colors = append(colors, col)
		}
	}

	faces := make([]face, 0, header.FaceCount)
	for i := 0; i < header.FaceCount; i++ {
		line, err := readLine(reader)
		lineNo++
		if err != nil {
			return "", nil, &ParseError{Path: plyPath, Line: lineNo,
				Detail: fmt.Sprintf("expected %d face records, got %d", header.FaceCount, i)}
		}

		fc, err := parseFace(line, len(vertices))
		if err != nil {
			return "", nil, &ParseError{Path: plyPath, Line: lineNo, Detail: err.Error()}
		}
		faces = append(faces, fc)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	stem := strings.TrimSuffix(filepath.Base(plyPath), filepath.Ext(plyPath))
	objPath := filepath.Join(outputDir, stem+".obj")
	mtlPath := filepath.Join(outputDir, stem+".mtl")

	if err := writeOBJ(objPath, mtlPath, filepath.Base(plyPath), vertices, colors, faces); err != nil {
		return "", nil, err
	}

	hasTextures := false
	if len(colors) > 0 {
		if err := writeMTL(mtlPath); err != nil {
			if c.logger != nil {
				c.logger.Warn("Failed to write material file", logger.WithField("error", err))
			}
		} else {
			hasTextures = true
		}
	}

	info, err := os.Stat(objPath)
	if err != nil {
		return "", nil, fmt.Errorf("failed to stat converted mesh: %w", err)
	}

	meta := &types.ModelMetadata{
		VertexCount:   len(vertices),
		FaceCount:     len(faces),
		FileSizeBytes: info.Size(),
		Format:        "obj",
		HasColors:     len(colors) > 0,
		HasNormals:    false, // normals are not carried through this conversion
		HasTextures:   hasTextures,
		BoundingBox:   boundingBox(vertices),
		CreationTime:  time.Now(),
	}

	if c.logger != nil {
		c.logger.Info("Converted raw geometry",
			logger.WithField("input", plyPath),
			logger.WithField("output", objPath),
			logger.WithField("vertices", len(vertices)),
			logger.WithField("faces", len(faces)))
	}

	return objPath, meta, nil
}

func parseVertex(parts []string) (vertex, error) {
	var v vertex
	var err error
	if v.x, err = strconv.ParseFloat(parts[0], 64); err != nil {
		return v, fmt.Errorf("invalid vertex coordinate: %q", parts[0])
	}
	if v.y, err = strconv.ParseFloat(parts[1], 64); err != nil {
		return v, fmt.Errorf("invalid vertex coordinate: %q", parts[1])
	}
	if v.z, err = strconv.ParseFloat(parts[2], 64); err != nil {
		return v, fmt.Errorf("invalid vertex coordinate: %q", parts[2])
	}
	return v, nil
}

// parseColor converts 0-255 channel integers to [0,1] floats
func parseColor(parts []string) (rgb, error) {
	vals := [3]float64{}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return rgb{}, fmt.Errorf("invalid color channel: %q", p)
		}
		vals[i] = float64(n) / 255.0
	}
	return rgb{r: vals[0], g: vals[1], b: vals[2]}, nil
}

// parseFace accepts only triangular records: a count of 3 followed by
// three 0-based indices.
func parseFace(line string, vertexCount int) (face, error) {
	parts := strings.Fields(line)
	if len(parts) < 4 || parts[0] != "3" {
		return face{}, fmt.Errorf("expected triangular face record, got %q", line)
	}

	idx := [3]int{}
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(parts[i+1])
		if err != nil {
			return face{}, fmt.Errorf("invalid face index: %q", parts[i+1])
		}
		if n < 0 || n >= vertexCount {
			return face{}, fmt.Errorf("face index %d out of range [0,%d)", n, vertexCount)
		}
		idx[i] = n
	}
	return face{a: idx[0], b: idx[1], c: idx[2]}, nil
}

// writeOBJ emits vertex lines with an optional inline color triple, a
// nonstandard but internally consistent convention used by downstream
// viewers of this system.
func writeOBJ(objPath, mtlPath, sourceName string, vertices []vertex, colors []rgb, faces []face) error {
	f, err := os.Create(objPath)
	if err != nil {
		return fmt.Errorf("failed to create mesh file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "# OBJ file generated from %s\n", sourceName)
	fmt.Fprintf(w, "# Vertices: %d, Faces: %d\n", len(vertices), len(faces))

	if len(colors) > 0 {
		fmt.Fprintf(w, "mtllib %s\n", filepath.Base(mtlPath))
		fmt.Fprintln(w, "usemtl material0")
	}

	for i, v := range vertices {
		if i < len(colors) {
			c := colors[i]
			fmt.Fprintf(w, "v %.6f %.6f %.6f %.6f %.6f %.6f\n", v.x, v.y, v.z, c.r, c.g, c.b)
		} else {
			fmt.Fprintf(w, "v %.6f %.6f %.6f\n", v.x, v.y, v.z)
		}
	}

	// OBJ uses 1-based indexing
	for _, fc := range faces {
		fmt.Fprintf(w, "f %d %d %d\n", fc.a+1, fc.b+1, fc.c+1)
	}

	return w.Flush()
}

func writeMTL(mtlPath string) error {
	f, err := os.Create(mtlPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "# Material file")
	fmt.Fprintln(w, "newmtl material0")
	fmt.Fprintln(w, "Ka 0.2 0.2 0.2")
	fmt.Fprintln(w, "Kd 0.8 0.8 0.8")
	fmt.Fprintln(w, "Ks 0.1 0.1 0.1")
	fmt.Fprintln(w, "Ns 10.0")
	return w.Flush()
}

// boundingBox performs a single min/max/center reduction over all
// vertex coordinates.
func boundingBox(vertices []vertex) types.BoundingBox {
	if len(vertices) == 0 {
		return types.BoundingBox{}
	}

	min := types.Vector3{vertices[0].x, vertices[0].y, vertices[0].z}
	max := min
	for _, v := range vertices[1:] {
		coords := [3]float64{v.x, v.y, v.z}
		for i := 0; i < 3; i++ {
			if coords[i] < min[i] {
				min[i] = coords[i]
			}
			if coords[i] > max[i] {
				max[i] = coords[i]
			}
		}
	}

	var center types.Vector3
	for i := 0; i < 3; i++ {
		center[i] = (min[i] + max[i]) / 2
	}
	return types.BoundingBox{Min: min, Max: max, Center: center}
}
