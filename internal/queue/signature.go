// Copyright 2026 fanjia1024
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

package queue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader 投递签名所在的请求头。
const SignatureHeader = "upstash-signature"

// Signer 对作业请求体做 HMAC-SHA256 签名。
// 校验端同时接受 current 与 next 两把密钥，支持不停机轮换：
// 先把新密钥下发为 next，再把 next 提升为 current。
type Signer struct {
	current []byte
	next    []byte
}

// NewSigner 创建签名器；next 可为空。
func NewSigner(current, next string) *Signer {
	s := &Signer{}
	if current != "" {
		s.current = []byte(current)
	}
	if next != "" {
		s.next = []byte(next)
	}
	return s
}

// Enabled 是否配置了签名密钥。
func (s *Signer) Enabled() bool { return len(s.current) > 0 }

// Sign 返回 body 的十六进制签名；未配置密钥时返回空串。
func (s *Signer) Sign(body []byte) string {
	if len(s.current) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, s.current)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify 校验签名是否由 current 或 next 密钥产生。
func (s *Signer) Verify(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	for _, key := range [][]byte{s.current, s.next} {
		if len(key) == 0 {
			continue
		}
		mac := hmac.New(sha256.New, key)
		mac.Write(body)
		if hmac.Equal(sig, mac.Sum(nil)) {
			return true
		}
	}
	return false
}
