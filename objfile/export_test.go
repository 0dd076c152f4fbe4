package objfile

var (
	DecodeAMD64 = decodeAMD64
	DecodeARM64 = decodeARM64
)
