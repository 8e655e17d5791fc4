package llamacpp

import "github.com/dlclark/regexp2"

// mediaMarker is the placeholder llama-server swaps for image embeddings.
const mediaMarker = "<__media__>"

// specialTokens matches the control tokens chat templates emit:
// <|im_start|>, <|vision_start|>, <|endoftext|>, <s>, </s>, [INST] and the
// media marker.
var specialTokens = regexp2.MustCompile(`<\|[A-Za-z0-9_]+\|>|</?s>|\[/?INST\]|<__media__>`, regexp2.None)

func stripSpecial(s string) string {
	out, err := specialTokens.Replace(s, "", -1, -1)
	if err != nil {
		return s
	}
	return out
}
