package interceptor

// Builtins returns the factories every registry starts with.
func Builtins() map[string]Factory {
	return map[string]Factory{
		"auth":            {Stages: StagePre, New: newAuth},
		"jwt":             {Stages: StagePre, New: newJWT},
		"validatePayload": {Stages: StagePre, New: newPayloadValidator},
		"validateSchema":  {Stages: StagePre, New: newSchemaValidator},
		"requestId":       {Stages: StageBoth, New: newRequestID},
		"gzip":            {Stages: StagePost, New: newGzip},
		"compress":        {Stages: StagePost, New: newCompress},
		"responseTime":    {Stages: StagePost, New: newResponseTime},
	}
}
