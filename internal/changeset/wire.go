package changeset

import (
	"encoding/json"

	"github.com/notmuch-tools/notmuch-sync/internal/model"
)

// wireRecord is the exact on-wire shape of spec §6.2: {"tags":[...],
// "files":[{"name":...,"sha":...}]}.
type wireRecord struct {
	Tags  []string           `json:"tags"`
	Files []model.FileRecord `json:"files"`
}

// MarshalJSON encodes a ChangeSet as the spec §6.2 wire object: a map from
// stringified MessageId to {tags, files}.
func MarshalJSON(cs model.ChangeSet) ([]byte, error) {
	out := make(map[string]wireRecord, len(cs))
	for id, rec := range cs {
		tags := rec.Tags
		if tags == nil {
			tags = model.NewTagSet()
		}
		files := rec.Files
		if files == nil {
			files = []model.FileRecord{}
		}
		out[string(id)] = wireRecord{Tags: tags.Slice(), Files: files}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a ChangeSet from the spec §6.2 wire object.
func UnmarshalJSON(data []byte) (model.ChangeSet, error) {
	var raw map[string]wireRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	cs := make(model.ChangeSet, len(raw))
	for idStr, wr := range raw {
		files := wr.Files
		if files == nil {
			files = []model.FileRecord{}
		}
		cs[model.MessageId(idStr)] = model.MessageRecord{
			Tags:  model.NewTagSet(wr.Tags...),
			Files: files,
		}
	}
	return cs, nil
}
