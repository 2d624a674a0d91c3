package history

type Record struct {
	ID         uint   `gorm:"primaryKey"`
	PeerID     string `gorm:"index"`
	TransferID uint64
	Direction  string
	Status     string
	Error      string
	TotalSize  int64
	Files      []RecordFile `gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt  int64        `gorm:"index"`
}

type RecordFile struct {
	ID       uint `gorm:"primaryKey"`
	RecordID uint `gorm:"not null;index"`
	Position int
	Name     string
	MimeType string
	Size     int64
	// Checksum is the hex FileDone digest, set when the data is known.
	Checksum string
	// Path is where a received file was saved.
	Path string
}
