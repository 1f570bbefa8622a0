package geometry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/meshforge/meshforge/pkg/logger"
)

// Clean deduplicates vertices whose coordinates match after rounding
// to 6 decimal places and drops faces that degenerate after the remap.
// The step is idempotent and never increases vertex or face counts.
// On any internal error the uncleaned mesh path is returned unchanged
// so the pipeline degrades gracefully instead of aborting.
func (c *Converter) Clean(objPath string) string {
	cleaned, err := cleanMesh(objPath)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("Mesh cleaning failed, keeping original",
				logger.WithField("mesh", objPath),
				logger.WithField("error", err))
		}
		return objPath
	}

	if c.logger != nil {
		c.logger.Info("Mesh cleaned", logger.WithField("output", cleaned))
	}
	return cleaned
}

func cleanMesh(objPath string) (string, error) {
	f, err := os.Open(objPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var vertices []vertex
	var faces []face
	vertexMap := make(map[string]int) // rounded coordinates -> new index
	remap := make([]int, 0)           // original index -> new index

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "v "):
			parts := strings.Fields(line)
			if len(parts) < 4 {
				return "", fmt.Errorf("malformed vertex line: %q", line)
			}
			v, err := parseVertex(parts[1:])
			if err != nil {
				return "", err
			}

			key := fmt.Sprintf("%.6f,%.6f,%.6f", v.x, v.y, v.z)
			idx, seen := vertexMap[key]
			if !seen {
				idx = len(vertices)
				vertexMap[key] = idx
				vertices = append(vertices, v)
			}
			remap = append(remap, idx)

		case strings.HasPrefix(line, "f "):
			parts := strings.Fields(line)[1:]
			if len(parts) < 3 {
				continue
			}

			idx := [3]int{}
			ok := true
			for i := 0; i < 3; i++ {
				// Face entries may carry texture/normal references
				raw := strings.SplitN(parts[i], "/", 2)[0]
				n, err := strconv.Atoi(raw)
				if err != nil || n < 1 || n > len(remap) {
					ok = false
					break
				}
				idx[i] = remap[n-1]
			}
			if !ok {
				continue
			}

			// Drop faces whose remapped indices are not pairwise distinct
			if idx[0] != idx[1] && idx[1] != idx[2] && idx[0] != idx[2] {
				faces = append(faces, face{a: idx[0], b: idx[1], c: idx[2]})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	stem := strings.TrimSuffix(filepath.Base(objPath), filepath.Ext(objPath))
	cleanedPath := filepath.Join(filepath.Dir(objPath), stem+"_cleaned.obj")

	out, err := os.Create(cleanedPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	fmt.Fprintln(w, "# Cleaned OBJ file")
	fmt.Fprintf(w, "# Vertices: %d, Faces: %d\n", len(vertices), len(faces))

	for _, v := range vertices {
		fmt.Fprintf(w, "v %.6f %.6f %.6f\n", v.x, v.y, v.z)
	}
	for _, fc := range faces {
		fmt.Fprintf(w, "f %d %d %d\n", fc.a+1, fc.b+1, fc.c+1)
	}

	if err := w.Flush(); err != nil {
		return "", err
	}
	return cleanedPath, nil
}
