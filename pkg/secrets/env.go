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
	"strings"

	pkgerrors "saga-platform/pkg/errors"
)

// envStore 环境变量后端。密钥名即环境变量名。
type envStore struct{}

// NewEnvStore 创建环境变量 secret store。
func NewEnvStore() Store {
	return envStore{}
}

func (envStore) Get(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", pkgerrors.Wrapf(pkgerrors.ErrNotFound, "environment variable %s", key)
	}
	return v, nil
}

func (envStore) Set(_ context.Context, key, value string) error {
	return os.Setenv(key, value)
}

func (envStore) Delete(_ context.Context, key string) error {
	return os.Unsetenv(key)
}

func (envStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	return keys, nil
}
