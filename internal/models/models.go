package models

import "time"

// Identity 对应 tokens 表：secret_token 是唯一权威的身份键，username 为空表示匿名。
type Identity struct {
	ID               uint   `gorm:"primaryKey" json:"-"`
	SecretToken      string `gorm:"uniqueIndex;size:64;not null" json:"-"`
	PublicToken      string `gorm:"uniqueIndex;size:16;not null" json:"public_token"`
	Username         string `gorm:"size:64;not null;default:''" json:"username"`
	LastKnownAddress string `gorm:"index;size:64;not null;default:''" json:"-"`

	// AddressSeenAt 只在 LastKnownAddress 被写入时刷新，用于按地址恢复身份
	AddressSeenAt time.Time `gorm:"index" json:"-"`
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"index"`
}

func (Identity) TableName() string { return "tokens" }

// Anonymous 报告该身份是否尚未注册用户名。
func (i Identity) Anonymous() bool { return i.Username == "" }

// DisplayName 返回对外展示的名字，匿名身份统一显示为 anon。
func (i Identity) DisplayName() string {
	if i.Username == "" {
		return "anon"
	}
	return i.Username
}

type Room struct {
	Code        string    `gorm:"primaryKey;size:32" json:"code"`
	DisplayName string    `gorm:"size:128;not null" json:"display_name"`
	HostToken   string    `gorm:"size:64;not null;default:''" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

type Message struct {
	ID            uint      `gorm:"primaryKey"`
	RoomCode      string    `gorm:"index:idx_msg_room_created,priority:1;size:32;not null"`
	SecretToken   string    `gorm:"index;size:64;not null"`
	OriginAddress string    `gorm:"index;size:64;not null;default:''"`
	Text          string    `gorm:"type:text;not null"`
	CreatedAt     time.Time `gorm:"index:idx_msg_room_created,priority:2"`
}

// Ban 记录被封禁的 secret token，仅由管理端创建和删除。
type Ban struct {
	SecretToken string `gorm:"primaryKey;size:64"`
	CreatedAt   time.Time
}

func (Ban) TableName() string { return "banned" }

// Upload 只保存上传文件的元数据，文件本身由外部存储负责。
type Upload struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Filename      string    `gorm:"size:255;not null" json:"filename"`
	URL           string    `gorm:"size:1024;not null" json:"url"`
	UploaderToken string    `gorm:"index;size:64;not null" json:"uploader_token"`
	RoomCode      string    `gorm:"index;size:32;not null" json:"room"`
	CreatedAt     time.Time `json:"created_at"`
}
