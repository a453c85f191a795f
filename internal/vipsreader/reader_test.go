package vipsreader

import "testing"

// loaderFor is the one piece of this package that doesn't touch libvips,
// so it's the only part exercised without a real build of the library.
func TestLoaderForKnownExtensions(t *testing.T) {
	cases := map[string]string{
		".tif":  "tiff",
		".tiff": "tiff",
		".jpg":  "jpeg",
		".jpeg": "jpeg",
		".png":  "png",
		".webp": "webp",
	}
	for ext, want := range cases {
		got, err := loaderFor(ext)
		if err != nil {
			t.Fatalf("loaderFor(%q): %v", ext, err)
		}
		if got != want {
			t.Fatalf("loaderFor(%q) = %q, want %q", ext, got, want)
		}
	}
}

func TestLoaderForUnsupportedExtension(t *testing.T) {
	if _, err := loaderFor(".bmp"); err == nil {
		t.Fatal("expected an error for an unsupported extension")
	}
}
