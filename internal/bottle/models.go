package bottle

import "time"

const DefaultMaxAttempts = 3

// QueueEntry tracks one bottle from submission until it is on-chain or failed.
type QueueEntry struct {
	ID      string `gorm:"primaryKey;size:64" json:"id"`
	Message string `gorm:"type:text;not null" json:"message"`
	UserID  string `gorm:"size:128;not null;index:idx_queue_user_created,priority:1;index:uniq_queue_user_idempo,unique,priority:1" json:"user_id"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_queue_user_idempo,unique,priority:2" json:"-"`

	Status   Status `gorm:"type:varchar(16);index;not null" json:"status"`
	Progress int    `gorm:"not null;default:0" json:"progress"`

	IPFSCid      *string `gorm:"column:ipfs_cid;type:varchar(128)" json:"ipfs_cid"`
	TxHash       *string `gorm:"type:varchar(80)" json:"tx_hash"`
	BlockchainID *string `gorm:"type:varchar(80);index" json:"blockchain_id"`
	Error        *string `gorm:"type:text" json:"error"`

	Attempts    int `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int `gorm:"not null;default:3" json:"max_attempts"`

	CreatedAt   time.Time  `gorm:"index:idx_queue_user_created,priority:2" json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	UpdatedAt   time.Time  `gorm:"index" json:"updated_at"`
}

func (QueueEntry) TableName() string { return "bottles_queue" }

// Bottle is the cached copy of an on-chain bottle plus its IPFS content.
type Bottle struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	IPFSHash         string    `gorm:"column:ipfs_hash;type:varchar(128);not null" json:"ipfs_hash"`
	Message          string    `gorm:"type:text" json:"message"`
	UserID           string    `gorm:"size:128;index" json:"user_id"`
	AuthorAddress    string    `gorm:"type:varchar(64)" json:"author_address"`
	BlockchainStatus string    `gorm:"type:varchar(16);not null;default:'confirmed'" json:"blockchain_status"`
	TxHash           *string   `gorm:"type:varchar(80)" json:"tx_hash,omitempty"`
	LikesCount       int       `gorm:"not null;default:0" json:"likes_count"`
	IsForever        bool      `gorm:"not null;default:false" json:"is_forever"`
	CreatedAt        time.Time `json:"created_at"`
	SyncedAt         time.Time `json:"synced_at"`
}

func (Bottle) TableName() string { return "bottles" }

const (
	BlockchainConfirmed = "confirmed"
	// BlockchainUnresolved marks an on-chain bottle whose content could not be
	// fetched yet. It is hidden from reads and retried by the sync job.
	BlockchainUnresolved = "unresolved"
)

type Like struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	BottleID  uint64    `gorm:"not null;index:uniq_bottle_like,unique,priority:1" json:"bottle_id"`
	UserID    string    `gorm:"size:128;not null;index:uniq_bottle_like,unique,priority:2" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (Like) TableName() string { return "bottle_likes" }

// Models lists every table owned by this package, for AutoMigrate.
func Models() []any {
	return []any{&QueueEntry{}, &Bottle{}, &Like{}}
}
