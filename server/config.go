package server

import (
	"github.com/alexflint/go-arg"

	"github.com/awinterman/anarchoredis/replication"
)

type Config struct {
	Address           string   `arg:"--address" env:"AR_LISTEN_ADDRESS" help:"address to listen on" default:"localhost:36379"`
	MaxSize           int64    `arg:"--proto-max-bulk-len" env:"AR_PROTO_MAX_BULK_LEN" help:"max length of bulk string" default:"0"`
	RedisServersAddrs []string `arg:"--redis-servers" env:"AR_REDIS_SERVERS" help:"redis servers to connect to"`

	// ReplicaOf, if set, makes this instance a replica of the given
	// "host:port" primary at startup, per §4.6.
	ReplicaOf string `arg:"--replicaof" env:"AR_REPLICAOF" help:"host:port of a primary to replicate from"`
	// NodeUUID identifies this instance in RREPLAY envelopes; a random one
	// is minted if left empty.
	NodeUUID string `arg:"--node-uuid" env:"AR_NODE_UUID" help:"UUID identifying this node in active-active replication"`
	// DataDir holds the badger-backed local state store (§6): persisted
	// replication IDs/offset and the stale-key map.
	DataDir string `arg:"--data-dir" env:"AR_DATA_DIR" help:"directory for persisted replication metadata" default:"./data"`
	// DBCount is the number of logical databases SELECT can address.
	DBCount int `arg:"--databases" env:"AR_DATABASES" help:"number of logical databases" default:"16"`

	replication.Config
}

func (c *Config) getMaxSize() int64 {
	if c.MaxSize == 0 {
		return 512 * 1000000
	}
	return c.MaxSize
}

func (c *Config) Parse() error {
	if c == nil {
		c = &Config{}
	}

	err := arg.Parse(c)

	return err
}
