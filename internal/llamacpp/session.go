package llamacpp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"inferd/internal/model"
)

const padTokenID = 0

// session is a model.Runtime served by one llama-server.
type session struct {
	client *client
	// proc is nil in attach mode.
	proc *process
	kind model.Kind
	log  zerolog.Logger
}

// ApplyChatTemplate renders msgs with the model's own template. Image
// segments become media markers that Generate later binds to pixels. The
// server always appends the assistant prefix.
func (r *session) ApplyChatTemplate(ctx context.Context, msgs []model.Message, addGenerationPrompt bool) (string, error) {
	if !addGenerationPrompt {
		return "", errors.New("llama-server always adds the generation prompt")
	}
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chatMessage{Role: string(m.Role), Content: flatten(m)})
	}
	return r.client.applyTemplate(ctx, out)
}

func flatten(m model.Message) string {
	if len(m.Segments) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, s := range m.Segments {
		switch s.Type {
		case model.SegmentImage:
			b.WriteString(mediaMarker)
		case model.SegmentText:
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

// Encode tokenizes each text. With Pad set, shorter rows are left-padded to
// the longest row and the padding is masked out.
func (r *session) Encode(ctx context.Context, req model.EncodeRequest) (model.EncodedInput, error) {
	if len(req.Images) > 0 && r.kind != model.KindVisionLM {
		return model.EncodedInput{}, errors.New("images require a vision model")
	}
	out := model.EncodedInput{Prompts: req.Texts, Images: req.Images}
	longest := 0
	for _, t := range req.Texts {
		ids, err := r.client.tokenize(ctx, t)
		if err != nil {
			return model.EncodedInput{}, err
		}
		out.InputIDs = append(out.InputIDs, ids)
		if len(ids) > longest {
			longest = len(ids)
		}
	}
	for i, ids := range out.InputIDs {
		mask := make([]int, len(ids))
		for j := range mask {
			mask[j] = 1
		}
		if req.Pad && len(ids) < longest {
			n := longest - len(ids)
			padded := make([]int, n, longest)
			for j := range padded {
				padded[j] = padTokenID
			}
			out.InputIDs[i] = append(padded, ids...)
			mask = append(make([]int, n, longest), mask...)
		}
		out.AttentionMask = append(out.AttentionMask, mask)
	}
	return out, nil
}

// unmasked drops positions whose mask is 0.
func unmasked(ids, mask []int) []int {
	if len(mask) != len(ids) {
		return ids
	}
	out := make([]int, 0, len(ids))
	for i, id := range ids {
		if mask[i] != 0 {
			out = append(out, id)
		}
	}
	return out
}

// Generate runs one /completion call per row and returns each input row
// followed by its generated tokens. A MaxLength already reached by the
// prompt yields the row unchanged.
func (r *session) Generate(ctx context.Context, req model.GenerateRequest) ([][]int, error) {
	out := make([][]int, len(req.InputIDs))
	for i, row := range req.InputIDs {
		var mask []int
		if i < len(req.AttentionMask) {
			mask = req.AttentionMask[i]
		}
		ids := unmasked(row, mask)

		n := -1
		switch {
		case req.MaxNewTokens > 0:
			n = req.MaxNewTokens
		case req.MaxLength > 0:
			n = req.MaxLength - len(ids)
		}
		if n == 0 || n < -1 {
			out[i] = append([]int(nil), row...)
			continue
		}

		creq := completionRequest{NPredict: n, ReturnTokens: true, CachePrompt: true}
		applySampling(&creq, req.Sampling)
		if len(req.Images) > 0 {
			if i >= len(req.Prompts) {
				return nil, fmt.Errorf("row %d: multimodal generation needs the rendered prompt", i)
			}
			data := make([]string, len(req.Images))
			for j, img := range req.Images {
				data[j] = img.Base64()
			}
			creq.Prompt = multimodalPrompt{PromptString: req.Prompts[i], MultimodalData: data}
		} else {
			creq.Prompt = ids
		}

		resp, err := r.client.completion(ctx, creq)
		if err != nil {
			return nil, err
		}
		r.log.Debug().Int("row", i).Int("prompt_tokens", len(ids)).Int("new_tokens", len(resp.Tokens)).Str("stop", resp.StopType).Msg("completion")
		seq := make([]int, 0, len(row)+len(resp.Tokens))
		seq = append(seq, row...)
		out[i] = append(seq, resp.Tokens...)
	}
	return out, nil
}

func applySampling(c *completionRequest, s model.Sampling) {
	switch {
	case s.Temperature < 0:
		zero := float32(0)
		c.Temperature = &zero
	case s.Temperature > 0:
		c.Temperature = &s.Temperature
	}
	if s.TopP > 0 {
		c.TopP = &s.TopP
	}
	if s.TopK > 0 {
		c.TopK = &s.TopK
	}
	if s.Seed != 0 {
		c.Seed = &s.Seed
	}
	if s.RepeatPenalty > 0 {
		c.RepeatPenalty = &s.RepeatPenalty
	}
}

// Decode detokenizes ids. Pad tokens never reach here: callers decode
// trimmed generations or full unpadded rows.
func (r *session) Decode(ctx context.Context, ids []int, opts model.DecodeOptions) (string, error) {
	s, err := r.client.detokenize(ctx, ids)
	if err != nil {
		return "", err
	}
	if opts.SkipSpecialTokens {
		s = stripSpecial(s)
	}
	return s, nil
}

// Close stops a spawned server; attached servers are left running.
func (r *session) Close() error {
	r.proc.stop()
	return nil
}
