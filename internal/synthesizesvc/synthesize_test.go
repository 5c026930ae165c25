package synthesizesvc

import (
	"testing"

	texttospeechpb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
)

func TestAudioEncodingFor(t *testing.T) {
	cases := []struct {
		format string
		want   texttospeechpb.AudioEncoding
	}{
		{"LINEAR16", texttospeechpb.AudioEncoding_LINEAR16},
		{"MP3", texttospeechpb.AudioEncoding_MP3},
		{"", texttospeechpb.AudioEncoding_MP3},
		{"OGG_OPUS", texttospeechpb.AudioEncoding_MP3},
	}
	for _, c := range cases {
		got := audioEncodingFor(c.format)
		if got != c.want {
			t.Errorf("audioEncodingFor(%q) = %v, want %v", c.format, got, c.want)
		}
	}
}
