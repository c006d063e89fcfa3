package model

import "fmt"

// Manifest pins a Hugging Face Hub repo revision and the files that make up
// a complete Voxtral model directory.
type Manifest struct {
	Repo  string      `json:"repo"`
	Files []ModelFile `json:"files"`
}

type ModelFile struct {
	Filename string `json:"filename"`
	Revision string `json:"revision"`
	SHA256   string `json:"sha256"`
	// LocalPath overrides the local save path (defaults to Filename).
	LocalPath string `json:"local_path,omitempty"`
}

// PinnedManifest returns the known-good file set for a supported Voxtral
// repo. Checksums left blank are resolved from Hub metadata at download time
// and then persisted to a local lock manifest (see Download).
func PinnedManifest(repo string) (Manifest, error) {
	switch repo {
	case "mistralai/Voxtral-Mini-3B-2507":
		return Manifest{
			Repo: repo,
			Files: []ModelFile{
				{
					Filename: "consolidated.safetensors",
					Revision: "main",
					SHA256:   "",
				},
				{
					Filename: "params.json",
					Revision: "main",
					SHA256:   "",
				},
				{
					Filename: "tekken.json",
					Revision: "main",
					SHA256:   "",
				},
			},
		}, nil
	default:
		return Manifest{}, fmt.Errorf("no pinned manifest for repo %q", repo)
	}
}
