package jobdoc

// Job document keys.
const (
	KeyClientToken   = "clientToken"
	KeyExecution     = "execution"
	KeyJobID         = "jobId"
	KeyStatusDetails = "statusDetails"
	KeySelfTest      = "self_test"
	KeyUpdatedBy     = "updatedBy"
	KeyJobDocument   = "jobDocument"
	KeyOTAUnit       = "afr_ota"
	KeyStreamName    = "streamname"
	KeyFiles         = "files"
	KeyFilePath      = "filepath"
	KeyFileSize      = "filesize"
	KeyFileID        = "fileid"
	KeyCertFile      = "certfile"
	KeySignature     = "sig-sha256-ecdsa"
	KeyAttributes    = "attr"
)

// Job holds the fields of an OTA job document.
type Job struct {
	ClientToken string
	ID          string
	SelfTest    bool
	UpdatedBy   uint32 // firmware version that performed the update

	StreamName string
	FilePath   string
	FileSize   uint32
	FileID     uint32
	CertFile   string
	Signature  []byte
	Attributes uint32
}

// Model returns the document model that fills j.
func (j *Job) Model() Model {
	return Model{
		{Key: KeyClientToken, Kind: KindString, Extract: StringInDoc, Set: String(&j.ClientToken)},
		{Key: KeyExecution, Required: true, Kind: KindObject},
		{Key: KeyJobID, Required: true, Kind: KindString, Extract: StringCopy, Set: String(&j.ID)},
		{Key: KeyStatusDetails, Kind: KindObject},
		{Key: KeySelfTest, Kind: KindString, Extract: Ident, Set: Flag(&j.SelfTest)},
		{Key: KeyUpdatedBy, Kind: KindString, Extract: UInt32, Set: Uint32(&j.UpdatedBy)},
		{Key: KeyJobDocument, Required: true, Kind: KindObject},
		{Key: KeyOTAUnit, Required: true, Kind: KindObject},
		{Key: KeyStreamName, Required: true, Kind: KindString, Extract: StringCopy, Set: String(&j.StreamName)},
		{Key: KeyFiles, Required: true, Kind: KindArray},
		{Key: KeyFilePath, Required: true, Kind: KindString, Extract: StringCopy, Set: String(&j.FilePath)},
		{Key: KeyFileSize, Required: true, Kind: KindPrimitive, Extract: UInt32, Set: Uint32(&j.FileSize)},
		{Key: KeyFileID, Required: true, Kind: KindPrimitive, Extract: UInt32, Set: Uint32(&j.FileID)},
		{Key: KeyCertFile, Required: true, Kind: KindString, Extract: StringCopy, Set: String(&j.CertFile)},
		{Key: KeySignature, Required: true, Kind: KindString, Extract: SigBase64, Set: Bytes(&j.Signature)},
		{Key: KeyAttributes, Kind: KindPrimitive, Extract: UInt32, Set: Uint32(&j.Attributes)},
	}
}

// ParseJob parses an OTA job document. The returned job is never nil: on
// failure it holds what was extracted before the error, the job ID in particular.
func ParseJob(doc []byte) (*Job, error) {
	j := &Job{}
	return j, Parse(doc, j.Model())
}
