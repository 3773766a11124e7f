package vision

import (
	"fmt"
	"image"
	"math"

	ort "github.com/yalue/onnxruntime_go"
)

// emotionLabels follows the FER+ 8-class ordering.
var emotionLabels = []string{
	"neutral", "happiness", "surprise", "sadness",
	"anger", "disgust", "fear", "contempt",
}

// negWeight penalizes negative emotions when computing the fun score.
const negWeight = 0.30

// EmotionLabels returns the class names in model output order.
func EmotionLabels() []string {
	return append([]string(nil), emotionLabels...)
}

// EmotionScores is one face's emotion distribution plus the derived fun
// score (happiness minus weighted negatives, floored at zero).
type EmotionScores struct {
	Probs    []float32
	TopLabel string
	TopProb  float32
	Fun      float64
}

// EmotionPredictor runs the FER+ emotion head on aligned face crops.
type EmotionPredictor struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputW       int
	inputH       int
}

// NewEmotionPredictor loads the emotion ONNX model (64x64 grayscale
// replicated to 3 channels, 8 output classes).
func NewEmotionPredictor(modelPath string, opts *ort.SessionOptions) (*EmotionPredictor, error) {
	inputW, inputH := 64, 64

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(len(emotionLabels)))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"Input3"},
		[]string{"Plus692_Output_0"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create emotion session: %w", err)
	}

	return &EmotionPredictor{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputW:       inputW,
		inputH:       inputH,
	}, nil
}

// Predict runs the emotion head on a face crop.
func (p *EmotionPredictor) Predict(crop image.Image) (*EmotionScores, error) {
	input := imageToFloat32CHW(crop, p.inputW, p.inputH,
		[3]float32{0, 0, 0}, [3]float32{1, 1, 1})

	inputSlice := p.inputTensor.GetData()
	copy(inputSlice, input)

	if err := p.session.Run(); err != nil {
		return nil, fmt.Errorf("run emotion: %w", err)
	}

	probs := softmax(p.outputTensor.GetData())

	topIdx := 0
	for i, v := range probs {
		if v > probs[topIdx] {
			topIdx = i
		}
	}

	return &EmotionScores{
		Probs:    probs,
		TopLabel: emotionLabels[topIdx],
		TopProb:  probs[topIdx],
		Fun:      funScore(probs),
	}, nil
}

func (p *EmotionPredictor) Close() {
	if p.session != nil {
		p.session.Destroy()
	}
	if p.inputTensor != nil {
		p.inputTensor.Destroy()
	}
	if p.outputTensor != nil {
		p.outputTensor.Destroy()
	}
}

// funScore combines an emotion distribution into a single 0..1 value.
func funScore(probs []float32) float64 {
	happy := float64(probAt(probs, "happiness"))
	neg := float64(probAt(probs, "anger") + probAt(probs, "disgust") +
		probAt(probs, "fear") + probAt(probs, "sadness"))
	fun := happy - negWeight*neg
	if fun < 0 {
		fun = 0
	}
	return fun
}

func probAt(probs []float32, label string) float32 {
	for i, l := range emotionLabels {
		if l == label && i < len(probs) {
			return probs[i]
		}
	}
	return 0
}

// softmax converts raw logits into probabilities in-place safe copy.
func softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxv := logits[0]
	for _, v := range logits[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxv))
		out[i] = float32(e)
		sum += e
	}
	if sum > 0 {
		for i := range out {
			out[i] = float32(float64(out[i]) / sum)
		}
	}
	return out
}
