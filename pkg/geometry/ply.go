// Package geometry converts raw engine point clouds and meshes into
// portable assets
package geometry

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports malformed raw geometry input
type ParseError struct {
	Path   string
	Line   int
	Detail string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("invalid geometry file %s (line %d): %s", e.Path, e.Line, e.Detail)
	}
	return fmt.Sprintf("invalid geometry file %s: %s", e.Path, e.Detail)
}

// Header describes the declared contents of a raw geometry file
type Header struct {
	Format      string
	VertexCount int
	FaceCount   int
	HasColors   bool
	HasNormals  bool
	// Lines counts the header lines consumed, including the end marker
	Lines int
}

// ReadHeader parses the raw geometry text header up to and including
// the end marker.
func ReadHeader(path string, r *bufio.Reader) (Header, error) {
	h := Header{Format: "unknown"}

	magic, err := readLine(r)
	if err != nil {
		return h, &ParseError{Path: path, Line: 1, Detail: "missing header"}
	}
	h.Lines++
	if magic != "ply" {
		return h, &ParseError{Path: path, Line: 1, Detail: "missing ply marker"}
	}

	for {
		line, err := readLine(r)
		if err != nil {
			return h, &ParseError{Path: path, Line: h.Lines, Detail: "unterminated header"}
		}
		h.Lines++

		switch {
		case line == "end_header":
			return h, nil
		case strings.HasPrefix(line, "format"):
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return h, &ParseError{Path: path, Line: h.Lines, Detail: "malformed format declaration"}
			}
			h.Format = fields[1]
		case strings.HasPrefix(line, "element vertex"):
			n, err := elementCount(line)
			if err != nil {
				return h, &ParseError{Path: path, Line: h.Lines, Detail: err.Error()}
			}
			h.VertexCount = n
		case strings.HasPrefix(line, "element face"):
			n, err := elementCount(line)
			if err != nil {
				return h, &ParseError{Path: path, Line: h.Lines, Detail: err.Error()}
			}
			h.FaceCount = n
		case strings.HasPrefix(line, "property"):
			if strings.Contains(line, "red") || strings.Contains(line, "green") || strings.Contains(line, "blue") {
				h.HasColors = true
			}
			if strings.Contains(line, " nx") || strings.Contains(line, " ny") || strings.Contains(line, " nz") {
				h.HasNormals = true
			}
		}
	}
}

func elementCount(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return 0, fmt.Errorf("malformed element declaration: %q", line)
	}
	n, err := strconv.Atoi(fields[2])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid element count: %q", fields[2])
	}
	return n, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
