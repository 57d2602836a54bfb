package detector

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Vocabulary maps class ids to labels.
type Vocabulary []string

// Label resolves a class id. The second result is false for ids outside the vocabulary.
func (v Vocabulary) Label(classID int) (string, bool) {
	if classID < 0 || classID >= len(v) {
		return "", false
	}
	return v[classID], true
}

// DefaultVocabulary returns a copy of the COCO class labels YOLOv8 is trained on.
func DefaultVocabulary() Vocabulary {
	return append(Vocabulary(nil), cocoClasses...)
}

// LoadVocabulary reads labels from a YAML file. Accepted shapes are a plain
// list, or a document with a "names" key holding either a list or an
// id -> label map (the dataset YAML layout).
func LoadVocabulary(path string) (Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels file: %w", err)
	}
	vocab, err := ParseVocabulary(data)
	if err != nil {
		return nil, fmt.Errorf("labels file %s: %w", path, err)
	}
	return vocab, nil
}

// ParseVocabulary parses the YAML shapes accepted by LoadVocabulary.
func ParseVocabulary(data []byte) (Vocabulary, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, errors.New("no labels")
	}

	node := doc.Content[0]
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == "names" {
				node = node.Content[i+1]
				break
			}
		}
	}

	var vocab Vocabulary
	switch node.Kind {
	case yaml.SequenceNode:
		if err := node.Decode(&vocab); err != nil {
			return nil, fmt.Errorf("invalid label list: %w", err)
		}
	case yaml.MappingNode:
		var byID map[int]string
		if err := node.Decode(&byID); err != nil {
			return nil, fmt.Errorf("invalid label map: %w", err)
		}
		vocab = make(Vocabulary, len(byID))
		for id, name := range byID {
			if id < 0 || id >= len(byID) {
				return nil, fmt.Errorf("class ids must be contiguous from 0, found %d", id)
			}
			vocab[id] = name
		}
	default:
		return nil, errors.New("labels must be a list or a map")
	}

	if len(vocab) == 0 {
		return nil, errors.New("no labels")
	}
	for id, name := range vocab {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("empty label for class %d", id)
		}
	}
	return vocab, nil
}

// COCO class labels
var cocoClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse",
	"sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie",
	"suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut",
	"cake", "chair", "couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator", "book",
	"clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}
