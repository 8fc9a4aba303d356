//go:build !(linux && arm64)

package vlc

import (
	"slices"
	"testing"

	"screen-player/internal/media"
)

func TestBuildArgsVideo(t *testing.T) {
	args := buildArgs("linux", "/media/a.mp4", media.Video, "")

	if args[len(args)-1] != "/media/a.mp4" {
		t.Fatalf("expected path last, got %v", args)
	}
	if !slices.Contains(args, "--play-and-exit") {
		t.Error("videos must exit at end so the scheduler can advance")
	}
	if slices.Contains(args, "--loop") || slices.Contains(args, "--sub-source=marq") {
		t.Errorf("unexpected flags %v", args)
	}
}

func TestBuildArgsImageWithOverlay(t *testing.T) {
	args := buildArgs("windows", "/media/p.png", media.Image, "No content available")

	for _, want := range []string{"--image-duration=-1", "--fullscreen", "--vout=direct3d11", "--sub-source=marq", "--marq-marquee=No content available"} {
		if !slices.Contains(args, want) {
			t.Errorf("missing %s in %v", want, args)
		}
	}
	if slices.Contains(args, "--play-and-exit") {
		t.Error("stills must stay up until replaced")
	}
}

func TestBuildArgsDarwinSkipsDirect3D(t *testing.T) {
	args := buildArgs("darwin", "/media/p.png", media.Image, "")
	if slices.Contains(args, "--vout=direct3d11") {
		t.Error("direct3d11 is windows only")
	}
}
