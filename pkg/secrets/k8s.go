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

package secrets

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	pkgerrors "saga-platform/pkg/errors"
)

// K8sConfig Kubernetes 文件挂载后端配置。
type K8sConfig struct {
	// ServiceAccountPath service account 挂载目录，
	// 默认 /var/run/secrets/kubernetes.io/serviceaccount。
	ServiceAccountPath string `yaml:"service_account_path"`
	// Namespace pod 所在 namespace（仅作记录用途）。
	Namespace string `yaml:"namespace"`
	// SecretsPath 额外 Secret 卷的挂载目录，默认 /etc/secrets。
	// 每个密钥一个文件，文件名即密钥名。
	SecretsPath string `yaml:"secrets_path"`
}

// k8sStore 从 pod 内挂载的 Secret 卷读取密钥。只读：Set/Delete 仅作用于本地覆盖层。
type k8sStore struct {
	saPath      string
	secretsPath string
	namespace   string

	overrides map[string]string
}

// NewK8sStore 创建 Kubernetes secret store。不在集群内（无 SA 挂载）时报错，
// 由上层回落到其他 provider。
func NewK8sStore(cfg K8sConfig) (Store, error) {
	saPath := cfg.ServiceAccountPath
	if saPath == "" {
		saPath = "/var/run/secrets/kubernetes.io/serviceaccount"
	}
	if _, err := os.Stat(saPath); err != nil {
		return nil, pkgerrors.Wrapf(err, "service account mount %s (not in kubernetes?)", saPath)
	}
	secretsPath := cfg.SecretsPath
	if secretsPath == "" {
		secretsPath = "/etc/secrets"
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "default"
	}
	return &k8sStore{
		saPath:      saPath,
		secretsPath: secretsPath,
		namespace:   ns,
		overrides:   make(map[string]string),
	}, nil
}

func (k *k8sStore) Get(_ context.Context, key string) (string, error) {
	if v, ok := k.overrides[key]; ok {
		return v, nil
	}
	// Secret 卷优先，service account 目录兜底（token、ca.crt 等）
	for _, dir := range []string{k.secretsPath, k.saPath} {
		data, err := os.ReadFile(filepath.Join(dir, key))
		if err == nil {
			return strings.TrimSpace(string(data)), nil
		}
	}
	return "", pkgerrors.Wrapf(pkgerrors.ErrNotFound, "mounted secret %s", key)
}

func (k *k8sStore) Set(_ context.Context, key, value string) error {
	// 挂载卷在 pod 内只读，写入只进覆盖层
	k.overrides[key] = value
	return nil
}

func (k *k8sStore) Delete(_ context.Context, key string) error {
	delete(k.overrides, key)
	return nil
}

func (k *k8sStore) List(_ context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	for _, dir := range []string{k.secretsPath, k.saPath} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			keys = append(keys, name)
		}
	}
	return keys, nil
}
