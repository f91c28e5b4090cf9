package input

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/osm"
)

const sample = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6">
 <node id="-1" lat="1.5" lon="2.5"><tag k="name" v="a"/></node>
 <way id="-2"><nd ref="-1"/><nd ref="-3"/></way>
 <relation id="-4"><member type="way" ref="-2" role="outer"/></relation>
</osm>
`

func TestDetect(t *testing.T) {
	tests := []struct {
		path   string
		format Format
		comp   Compression
	}{
		{"planet.osm.pbf", FormatPBF, CompressionNone},
		{"/data/Extract.OSM", FormatXML, CompressionNone},
		{"extract.osm.gz", FormatXML, CompressionGzip},
		{"extract.osm.zst", FormatXML, CompressionZstd},
		{"notes.txt", FormatUnknown, CompressionNone},
	}
	for _, tt := range tests {
		f, c := Detect(tt.path)
		if f != tt.format || c != tt.comp {
			t.Errorf("Detect(%q) = %v, %v; want %v, %v", tt.path, f, c, tt.format, tt.comp)
		}
	}
}

func writeFile(t *testing.T, name string, encode func([]byte) []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, encode([]byte(sample)), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileTraversal(t *testing.T) {
	tests := []struct {
		name   string
		encode func([]byte) []byte
	}{
		{"extract.osm", func(b []byte) []byte { return b }},
		{"extract.osm.gz", func(b []byte) []byte {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			w.Write(b)
			w.Close()
			return buf.Bytes()
		}},
		{"extract.osm.zst", func(b []byte) []byte {
			enc, _ := zstd.NewWriter(nil)
			defer enc.Close()
			return enc.EncodeAll(b, nil)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := File{Path: writeFile(t, tt.name, tt.encode)}

			// a source can be traversed twice
			for pass := 0; pass < 2; pass++ {
				sc, err := src.Open(context.Background())
				if err != nil {
					t.Fatalf("Open failed: %v", err)
				}
				var kinds []osm.Type
				for sc.Scan() {
					kinds = append(kinds, sc.Object().ObjectID().Type())
				}
				if err := sc.Err(); err != nil {
					t.Fatalf("scan failed: %v", err)
				}
				if err := sc.Close(); err != nil {
					t.Fatalf("Close failed: %v", err)
				}

				want := []osm.Type{osm.TypeNode, osm.TypeWay, osm.TypeRelation}
				if len(kinds) != len(want) {
					t.Fatalf("pass %d read %v, want %v", pass, kinds, want)
				}
				for i := range want {
					if kinds[i] != want[i] {
						t.Errorf("pass %d object %d is a %s, want %s", pass, i, kinds[i], want[i])
					}
				}
			}
		})
	}
}

func TestOpenUnknownFormat(t *testing.T) {
	if _, err := (File{Path: "input.csv"}).Open(context.Background()); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := (File{Path: "input.osm.pbf.gz"}).Open(context.Background()); err == nil {
		t.Error("expected error for compressed pbf")
	}
}

func TestObjects(t *testing.T) {
	src := Objects{&osm.Node{ID: 1}, &osm.Way{ID: 2}}
	sc, _ := src.Open(context.Background())
	n := 0
	for sc.Scan() {
		n++
	}
	if n != 2 || sc.Err() != nil {
		t.Errorf("scanned %d objects, err %v", n, sc.Err())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sc, _ = src.Open(ctx)
	if sc.Scan() || sc.Err() == nil {
		t.Error("cancelled scan should stop with an error")
	}
}
