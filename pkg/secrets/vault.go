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
	"fmt"

	vault "github.com/hashicorp/vault/api"

	pkgerrors "saga-platform/pkg/errors"
)

// VaultConfig HashiCorp Vault 后端配置。
type VaultConfig struct {
	// Address Vault 服务地址，默认 http://localhost:8200。
	Address string `yaml:"address"`
	// Token 访问令牌。
	Token string `yaml:"token"`
	// PathPrefix KV 路径前缀，默认 "secret"。
	PathPrefix string `yaml:"path_prefix"`
}

// vaultStore 读写 Vault KV。每个密钥存一条 {value: ...} 记录。
type vaultStore struct {
	client *vault.Client
	prefix string
}

// NewVaultStore 创建 Vault secret store，构造时探活一次。
func NewVaultStore(cfg VaultConfig) (Store, error) {
	vc := vault.DefaultConfig()
	if cfg.Address != "" {
		vc.Address = cfg.Address
	}
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "create vault client")
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if _, err := client.Sys().Health(); err != nil {
		return nil, pkgerrors.Wrap(err, "vault health check")
	}
	prefix := cfg.PathPrefix
	if prefix == "" {
		prefix = "secret"
	}
	return &vaultStore{client: client, prefix: prefix}, nil
}

func (v *vaultStore) path(key string) string {
	return fmt.Sprintf("%s/%s", v.prefix, key)
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.path(key))
	if err != nil {
		return "", pkgerrors.Wrapf(err, "read vault secret %s", key)
	}
	if secret == nil {
		return "", pkgerrors.Wrapf(pkgerrors.ErrNotFound, "vault secret %s", key)
	}
	if s, ok := secret.Data["value"].(string); ok {
		return s, nil
	}
	// 非标准布局：取第一个字符串字段
	for _, raw := range secret.Data {
		if s, ok := raw.(string); ok {
			return s, nil
		}
	}
	return "", pkgerrors.Wrapf(pkgerrors.ErrNotFound, "vault secret %s has no string value", key)
}

func (v *vaultStore) Set(ctx context.Context, key, value string) error {
	_, err := v.client.Logical().WriteWithContext(ctx, v.path(key), map[string]any{"value": value})
	if err != nil {
		return pkgerrors.Wrapf(err, "write vault secret %s", key)
	}
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	if _, err := v.client.Logical().DeleteWithContext(ctx, v.path(key)); err != nil {
		return pkgerrors.Wrapf(err, "delete vault secret %s", key)
	}
	return nil
}

func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	listPath := v.prefix
	if prefix != "" {
		listPath = fmt.Sprintf("%s/%s", v.prefix, prefix)
	}
	secret, err := v.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list vault secrets")
	}
	if secret == nil {
		return nil, nil
	}
	raw, ok := secret.Data["keys"].([]any)
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys, nil
}
