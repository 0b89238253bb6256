// Package main provides the entry point for the image-prep CLI.
//
// image-prep brings large photographs within the size limit of an object
// detector, either by cropping a fixed-size region or by scaling them down,
// and can run the detector on the result.
//
// Usage:
//
//	image-prep normalize photos/
//	image-prep crop --x 1500 --y 500 tray.jpg
//	image-prep detect tray.jpg
//	image-prep serve
//
// See --help for all available options.
package main

func main() {
	Execute()
}
