package vector

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

const (
	graphFile = "vectors.hnsw.graph"
	dataFile  = "vectors.hnsw.data"
	metaFile  = "vectors.meta.json"
)

// Compile-time check that HnswStore implements Store.
var _ Store = (*HnswStore)(nil)

// HnswStore is the local graph backend: an in-memory HNSW index plus a side
// map from internal integer ids to segment uuids, persisted to three files
// in the collection directory after every insert.
type HnswStore struct {
	dir   string
	graph *hnswGraph
	// idMap maps 1-based internal ids to segment uuids.
	idMap map[int]string
}

// OpenHnswStore loads a persisted collection from dir when the meta file is
// present, otherwise starts a fresh graph.
func OpenHnswStore(dir string) (*HnswStore, error) {
	if hasStore(dir) {
		return loadHnswStore(dir)
	}
	slog.Info("initializing vector storage", "path", dir)
	return &HnswStore{
		dir:   dir,
		graph: newHnswGraph(),
		idMap: make(map[int]string),
	}, nil
}

// hasStore reports whether dir holds a resumable collection.
func hasStore(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, metaFile))
	return err == nil
}

func (s *HnswStore) Insert(ctx context.Context, entry Entry) error {
	return s.BulkInsert(ctx, []Entry{entry})
}

func (s *HnswStore) BulkInsert(_ context.Context, entries []Entry) error {
	for _, entry := range entries {
		nextID := len(s.idMap) + 1
		s.idMap[nextID] = entry.ID
		s.graph.insert(nextID, entry.Vector)
	}
	if err := s.save(); err != nil {
		return fmt.Errorf("saving graph: %w", err)
	}
	return nil
}

// Delete is unsupported: the graph cannot remove a single point.
func (s *HnswStore) Delete(_ context.Context, _ string) error {
	return ErrNotSupported
}

// DeleteAll removes the persistence files and re-initializes an empty graph.
func (s *HnswStore) DeleteAll(_ context.Context) error {
	for _, name := range []string{graphFile, dataFile, metaFile} {
		path := filepath.Join(s.dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", name, err)
		}
	}
	s.graph = newHnswGraph()
	s.idMap = make(map[int]string)
	return nil
}

func (s *HnswStore) Search(_ context.Context, vector []float32, limit int) ([]SearchResult, error) {
	neighbors := s.graph.search(vector, limit)

	results := make([]SearchResult, 0, len(neighbors))
	for _, n := range neighbors {
		id, ok := s.idMap[n.id]
		if !ok {
			return nil, fmt.Errorf("internal inconsistency: graph id %d not in id map", n.id)
		}
		// The graph reports cosine distance; flip it so 1.0 is an exact
		// match and 0.0 is orthogonal.
		results = append(results, SearchResult{ID: id, Score: 1 - n.dist})
	}
	return results, nil
}

// persistedGraph is the gob image of the graph topology. Vectors live in
// the data file.
type persistedGraph struct {
	Entry  int
	Levels map[int]int
	Links  map[int][][]int
}

// save dumps the graph topology, vectors, and id map to the three
// collection files.
func (s *HnswStore) save() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	graphOut, err := os.Create(filepath.Join(s.dir, graphFile))
	if err != nil {
		return err
	}
	defer graphOut.Close()

	img := persistedGraph{
		Entry:  s.graph.Entry,
		Levels: make(map[int]int, len(s.graph.Nodes)),
		Links:  make(map[int][][]int, len(s.graph.Nodes)),
	}
	for id, node := range s.graph.Nodes {
		img.Levels[id] = node.Level
		img.Links[id] = node.Links
	}
	if err := gob.NewEncoder(graphOut).Encode(img); err != nil {
		return fmt.Errorf("encoding graph: %w", err)
	}

	dataOut, err := os.Create(filepath.Join(s.dir, dataFile))
	if err != nil {
		return err
	}
	defer dataOut.Close()

	w := bufio.NewWriter(dataOut)
	for id, node := range s.graph.Nodes {
		if err := writeVectorRecord(w, id, node.Vector); err != nil {
			return fmt.Errorf("encoding vector %d: %w", id, err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	// The id map keys become strings so the meta file stays plain JSON.
	meta := make(map[string]string, len(s.idMap))
	for id, uuid := range s.idMap {
		meta[strconv.Itoa(id)] = uuid
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding id map: %w", err)
	}
	return os.WriteFile(filepath.Join(s.dir, metaFile), metaJSON, 0o644)
}

func loadHnswStore(dir string) (*HnswStore, error) {
	slog.Info("loading vector storage", "path", dir)

	graphIn, err := os.Open(filepath.Join(dir, graphFile))
	if err != nil {
		return nil, fmt.Errorf("opening graph file: %w", err)
	}
	defer graphIn.Close()

	var img persistedGraph
	if err := gob.NewDecoder(graphIn).Decode(&img); err != nil {
		return nil, fmt.Errorf("decoding graph: %w", err)
	}

	dataIn, err := os.Open(filepath.Join(dir, dataFile))
	if err != nil {
		return nil, fmt.Errorf("opening data file: %w", err)
	}
	defer dataIn.Close()

	vectors := make(map[int][]float32, len(img.Levels))
	r := bufio.NewReader(dataIn)
	for range img.Levels {
		id, vec, err := readVectorRecord(r)
		if err != nil {
			return nil, fmt.Errorf("decoding vectors: %w", err)
		}
		vectors[id] = vec
	}

	graph := newHnswGraph()
	graph.Entry = img.Entry
	for id, level := range img.Levels {
		graph.Nodes[id] = &hnswNode{
			Vector: vectors[id],
			Level:  level,
			Links:  img.Links[id],
		}
	}

	metaJSON, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("opening meta file: %w", err)
	}
	meta := make(map[string]string)
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, fmt.Errorf("decoding id map: %w", err)
	}
	idMap := make(map[int]string, len(meta))
	for key, uuid := range meta {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("invalid id map key %q: %w", key, err)
		}
		idMap[id] = uuid
	}

	return &HnswStore{dir: dir, graph: graph, idMap: idMap}, nil
}

func writeVectorRecord(w *bufio.Writer, id int, vec []float32) error {
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:], uint32(id))
	binary.LittleEndian.PutUint32(header[4:], uint32(len(vec)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	_, err := w.Write(buf)
	return err
}

func readVectorRecord(r *bufio.Reader) (int, []float32, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	id := int(binary.LittleEndian.Uint32(header[0:]))
	dim := int(binary.LittleEndian.Uint32(header[4:]))

	buf := make([]byte, dim*4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return id, vec, nil
}
