package dfu

import (
	"archive/zip"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

const manifestName = "manifest.json"

// imageOrder is the order in which Nordic bootloaders accept package parts.
var imageOrder = []string{"softdevice_bootloader", "softdevice", "bootloader", "application"}

// Image is one firmware part of a package.
type Image struct {
	Type    string // application, bootloader, softdevice, softdevice_bootloader
	BinFile string
	DatFile string
	Size    int64 // uncompressed size of BinFile
}

// Package is a Nordic DFU zip: a manifest plus init packets and binaries.
type Package struct {
	Path   string
	Images []Image
	Size   int64 // total binary bytes across images
	Digest [blake2b.Size256]byte
}

// DigestHex returns the package digest as lowercase hex.
func (p *Package) DigestHex() string {
	return hex.EncodeToString(p.Digest[:])
}

// ShortDigest returns the first 12 hex digits of the digest, enough to tell
// packages apart on screen.
func (p *Package) ShortDigest() string {
	return p.DigestHex()[:12]
}

type manifestFile struct {
	Manifest map[string]manifestImage `json:"manifest"`
}

type manifestImage struct {
	BinFile string `json:"bin_file"`
	DatFile string `json:"dat_file"`
}

// LoadPackage opens and checks a DFU package. Every image named by the
// manifest must be present in the archive.
func LoadPackage(path string) (*Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dfu: reading package: %w", err)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("dfu: opening package: %w", err)
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	mf, ok := files[manifestName]
	if !ok {
		return nil, fmt.Errorf("dfu: %s missing from package", manifestName)
	}
	var manifest manifestFile
	if err := decodeJSON(mf, &manifest); err != nil {
		return nil, fmt.Errorf("dfu: parsing %s: %w", manifestName, err)
	}

	pkg := &Package{
		Path:   path,
		Digest: blake2b.Sum256(data),
	}
	for _, typ := range imageOrder {
		img, ok := manifest.Manifest[typ]
		if !ok {
			continue
		}
		bin, ok := files[img.BinFile]
		if !ok || img.BinFile == "" {
			return nil, fmt.Errorf("dfu: %s image: bin file %q missing", typ, img.BinFile)
		}
		if _, ok := files[img.DatFile]; !ok || img.DatFile == "" {
			return nil, fmt.Errorf("dfu: %s image: dat file %q missing", typ, img.DatFile)
		}
		size := int64(bin.UncompressedSize64)
		pkg.Images = append(pkg.Images, Image{
			Type:    typ,
			BinFile: img.BinFile,
			DatFile: img.DatFile,
			Size:    size,
		})
		pkg.Size += size
	}
	if len(pkg.Images) == 0 {
		return nil, fmt.Errorf("dfu: manifest lists no images")
	}
	return pkg, nil
}

func decodeJSON(f *zip.File, v any) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
