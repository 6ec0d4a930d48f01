package consts

import "errors"

var (
	ErrSourceNotFound = errors.New("mailbox source not found")
	ErrJobNotFound    = errors.New("job not found")
	ErrFolderNotFound = errors.New("folder not found")

	ErrS3UploadFailed = errors.New("s3 upload failed")
)
