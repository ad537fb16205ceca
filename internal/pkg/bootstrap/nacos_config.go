// internal/pkg/bootstrap/nacos_config.go
package bootstrap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"nexus-stock/internal/pkg/logger"
)

var nacosConfigClient config_client.IConfigClient

// createNacosServerConfigs 解析 "ip1:port1,ip2:port2" 格式的地址
func createNacosServerConfigs(addrs string) ([]constant.ServerConfig, error) {
	var serverConfigs []constant.ServerConfig
	for _, addr := range strings.Split(addrs, ",") {
		parts := strings.Split(strings.TrimSpace(addr), ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid nacos address format: %s", addr)
		}
		port, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid port in nacos address: %s", parts[1])
		}
		serverConfigs = append(serverConfigs, *constant.NewServerConfig(parts[0], port))
	}
	return serverConfigs, nil
}

func createNacosClientConfig(namespaceID string) constant.ClientConfig {
	if namespaceID == "" {
		zlog.Warn().Msg("NACOS_NAMESPACE is not set. Using default public namespace.")
	}
	return *constant.NewClientConfig(
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir("/tmp/nacos/log"),
		constant.WithCacheDir("/tmp/nacos/cache"),
		constant.WithLogLevel("warn"),
		constant.WithNamespaceId(namespaceID),
	)
}

// initNacosConfig 从配置中心拉取配置并监听变更。
// 远端配置覆盖在本地配置之上；变更时只热更新日志级别，其余项需要重启生效。
func initNacosConfig(cfg *Config, serverConfigs []constant.ServerConfig, clientConfig constant.ClientConfig) error {
	client, err := clients.NewConfigClient(vo.NacosClientParam{
		ClientConfig:  &clientConfig,
		ServerConfigs: serverConfigs,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create nacos config client")
	}
	nacosConfigClient = client

	dataID := cfg.Infra.Nacos.DataID
	if dataID == "" {
		dataID = cfg.App.ServiceName + ".yaml"
	}
	group := cfg.Infra.Nacos.Group

	content, err := client.GetConfig(vo.ConfigParam{DataId: dataID, Group: group})
	if err != nil {
		return errors.Wrapf(err, "failed to get nacos config %s/%s", group, dataID)
	}
	if _, err := applyRemoteConfig(content); err != nil {
		return err
	}

	return client.ListenConfig(vo.ConfigParam{
		DataId: dataID,
		Group:  group,
		OnChange: func(namespace, group, dataId, data string) {
			updated, err := applyRemoteConfig(data)
			if err != nil {
				zlog.Error().Err(err).Str("data_id", dataId).Msg("ignoring invalid nacos config update")
				return
			}
			zlog.Info().Str("data_id", dataId).Str("log_level", updated.App.LogLevel).Msg("nacos config updated")
		},
	})
}

// applyRemoteConfig 把远端 YAML 合并到当前配置的副本上，校验通过后替换当前配置。
func applyRemoteConfig(content string) (*Config, error) {
	next := *GetCurrentConfig()
	if strings.TrimSpace(content) != "" {
		if err := yaml.Unmarshal([]byte(content), &next); err != nil {
			return nil, errors.Wrap(err, "failed to parse nacos config")
		}
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	currentConfig.Store(&next)
	logger.SetLevel(next.App.LogLevel)
	return &next, nil
}
