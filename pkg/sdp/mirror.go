// Copyright 2025 RTCMock Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sdp

import (
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

const mirrorCacheSize = 64

// parsed mirror templates are reused across sessions built from the same
// captured description
var mirrorCache *lru.Cache[string, *MirrorSource]

func init() {
	mirrorCache, _ = lru.New[string, *MirrorSource](mirrorCacheSize)
}

// MirrorSource is a parsed description used as a structural template:
// sessions built from it reproduce its media sections while substituting
// their own transport parameters.
type MirrorSource struct {
	desc *Description
}

// NewMirrorSource parses raw SDP into a reusable template.
func NewMirrorSource(raw string) (*MirrorSource, error) {
	sum := sha256.Sum256([]byte(raw))
	key := hex.EncodeToString(sum[:])
	if src, ok := mirrorCache.Get(key); ok {
		return src, nil
	}

	desc, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	src := &MirrorSource{desc: desc}
	mirrorCache.Add(key, src)
	return src, nil
}

// Description returns the parsed template. Callers must not mutate it.
func (s *MirrorSource) Description() *Description {
	return s.desc
}

// sectionForKind returns the nth section of the given kind, or nil when the
// template has no such section or the source itself is nil.
func (s *MirrorSource) sectionForKind(kind Kind, occurrence int) *MediaSection {
	if s == nil {
		return nil
	}
	seen := 0
	for i := range s.desc.Media {
		if s.desc.Media[i].Kind != kind {
			continue
		}
		if seen == occurrence {
			return &s.desc.Media[i]
		}
		seen++
	}
	return nil
}

// mirrorSection deep-copies a template section, substituting transport
// parameters. Shared slices would let one negotiation corrupt another's
// cached template.
func mirrorSection(src *MediaSection, tp TransportParams) MediaSection {
	return MediaSection{
		MID:            src.MID,
		Kind:           src.Kind,
		Protocol:       src.Protocol,
		Direction:      src.Direction,
		PayloadFormats: clonePayloadFormats(src.PayloadFormats),
		SSRCs:          cloneSSRCs(src.SSRCs),
		SSRCGroups:     cloneSSRCGroups(src.SSRCGroups),
		Extensions:     cloneExtensions(src.Extensions),
		MSID:           src.MSID,
		RTCPMux:        src.RTCPMux,
		Transport:      tp,
	}
}

func clonePayloadFormats(in []PayloadFormat) []PayloadFormat {
	if in == nil {
		return nil
	}
	out := make([]PayloadFormat, len(in))
	copy(out, in)
	for i := range out {
		if in[i].RTCPFeedback != nil {
			out[i].RTCPFeedback = append([]string(nil), in[i].RTCPFeedback...)
		}
	}
	return out
}

func cloneSSRCs(in []SSRCInfo) []SSRCInfo {
	if in == nil {
		return nil
	}
	out := make([]SSRCInfo, len(in))
	copy(out, in)
	for i := range out {
		if in[i].Attributes != nil {
			out[i].Attributes = append([]string(nil), in[i].Attributes...)
		}
	}
	return out
}

func cloneSSRCGroups(in []SSRCGroup) []SSRCGroup {
	if in == nil {
		return nil
	}
	out := make([]SSRCGroup, len(in))
	copy(out, in)
	for i := range out {
		if in[i].SSRCs != nil {
			out[i].SSRCs = append([]uint32(nil), in[i].SSRCs...)
		}
	}
	return out
}

func cloneExtensions(in []Extension) []Extension {
	if in == nil {
		return nil
	}
	out := make([]Extension, len(in))
	copy(out, in)
	return out
}
