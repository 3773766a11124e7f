package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
)

// DecodeImage decodes JPEG or PNG bytes.
func DecodeImage(data []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}
	img, _, err = image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// imageToFloat32CHW converts an image to CHW float32 format with normalization:
//
//	pixel = (pixel - mean) / std
func imageToFloat32CHW(img image.Image, targetW, targetH int, mean, std [3]float32) []float32 {
	resized := resizeNearest(img, targetW, targetH)
	bounds := resized.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	data := make([]float32, 3*h*w)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := resized.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()

			rf := float32(r >> 8)
			gf := float32(g >> 8)
			bf := float32(b >> 8)

			idx := y*w + x
			data[0*h*w+idx] = (rf - mean[0]) / std[0]
			data[1*h*w+idx] = (gf - mean[1]) / std[1]
			data[2*h*w+idx] = (bf - mean[2]) / std[2]
		}
	}

	return data
}

// resizeNearest performs nearest-neighbour resize (fast, good enough for ML input).
func resizeNearest(img image.Image, targetW, targetH int) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() == targetW && bounds.Dy() == targetH {
		return img
	}
	srcW := bounds.Dx()
	srcH := bounds.Dy()

	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	for y := 0; y < targetH; y++ {
		for x := 0; x < targetW; x++ {
			srcX := bounds.Min.X + x*srcW/targetW
			srcY := bounds.Min.Y + y*srcH/targetH
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}
	return dst
}

// resizeSmooth performs Catmull-Rom resize; used for photo output where
// quality matters more than speed.
func resizeSmooth(img image.Image, targetW, targetH int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return dst
}

// cropRegion copies a pixel rectangle out of img, clamped to its bounds.
func cropRegion(img image.Image, x1, y1, x2, y2 int) image.Image {
	bounds := img.Bounds()
	if x1 < bounds.Min.X {
		x1 = bounds.Min.X
	}
	if y1 < bounds.Min.Y {
		y1 = bounds.Min.Y
	}
	if x2 > bounds.Max.X {
		x2 = bounds.Max.X
	}
	if y2 > bounds.Max.Y {
		y2 = bounds.Max.Y
	}
	if x2-x1 <= 0 || y2-y1 <= 0 {
		return nil
	}

	crop := image.NewRGBA(image.Rect(0, 0, x2-x1, y2-y1))
	for cy := y1; cy < y2; cy++ {
		for cx := x1; cx < x2; cx++ {
			crop.Set(cx-x1, cy-y1, img.At(cx, cy))
		}
	}
	return crop
}

// CropSquare cuts a square region around a face box with proportional
// margin and resizes it to target x target. The returned rect is the
// region actually cut, in source coordinates, so callers can map face
// boxes into the crop.
func CropSquare(img image.Image, box Detection, margin float64, target int) (image.Image, image.Rectangle) {
	bounds := img.Bounds()

	side := box.W
	if box.H > side {
		side = box.H
	}
	pad := float32(margin) * side
	cxF := box.X + box.W/2
	cyF := box.Y + box.H/2
	half := side/2 + pad

	x1 := int(cxF - half)
	y1 := int(cyF - half)
	x2 := int(cxF + half)
	y2 := int(cyF + half)

	if x1 < bounds.Min.X {
		x1 = bounds.Min.X
	}
	if y1 < bounds.Min.Y {
		y1 = bounds.Min.Y
	}
	if x2 > bounds.Max.X {
		x2 = bounds.Max.X
	}
	if y2 > bounds.Max.Y {
		y2 = bounds.Max.Y
	}

	region := cropRegion(img, x1, y1, x2, y2)
	if region == nil {
		return nil, image.Rectangle{}
	}
	return resizeSmooth(region, target, target), image.Rect(x1, y1, x2, y2)
}

// cropFace extracts a face region with 10% padding for model input.
func cropFace(img image.Image, box Detection) image.Image {
	x1 := int(box.X)
	y1 := int(box.Y)
	x2 := int(box.X + box.W)
	y2 := int(box.Y + box.H)

	padW := int(box.W * 0.1)
	padH := int(box.H * 0.1)

	return cropRegion(img, x1-padW, y1-padH, x2+padW, y2+padH)
}

// EncodeJPEG encodes an image as JPEG with the given quality.
func EncodeJPEG(img image.Image, quality int) []byte {
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	return buf.Bytes()
}
